// Package unit is the binary container compiled blocks are emitted into: a
// small module format with a slot type table, a constant pool, a helper link
// table and named methods whose code carries fault handler tables.
package unit

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
)

const (
	Magic int32 = 0x0bc0de

	// MaxMethodBytes is the largest method body the format accepts.
	MaxMethodBytes = 65535
)

// Method names every block unit carries.
const (
	MethodInstructionCount = "x86InstructionCount"
	MethodByteLength       = "x86ByteLength"
	MethodMicrocodes       = "microcodes"
	MethodPositions        = "positions"
	MethodExecute          = "execute"
)

var (
	ErrOversize      = errors.New("method body too large")
	ErrUnknownMethod = errors.New("no such method")
)

type ConstKind uint8

const (
	ConstInt ConstKind = iota + 1
	ConstLong
	ConstString
	ConstInts
)

func (k ConstKind) String() string {
	switch k {
	case ConstInt:
		return "int"
	case ConstLong:
		return "long"
	case ConstString:
		return "string"
	case ConstInts:
		return "int[]"
	}
	return fmt.Sprintf("const(%d)", uint8(k))
}

type Constant struct {
	Kind   ConstKind
	Int    int32
	Long   int64
	String string
	Ints   []int32
}

func IntConst(v int32) Constant     { return Constant{Kind: ConstInt, Int: v} }
func LongConst(v int64) Constant    { return Constant{Kind: ConstLong, Long: v} }
func StringConst(s string) Constant { return Constant{Kind: ConstString, String: s} }
func IntsConst(v []int32) Constant  { return Constant{Kind: ConstInts, Ints: v} }

// key identifies equal constants for interning.
func (c Constant) key() string {
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf("i%d", c.Int)
	case ConstLong:
		return fmt.Sprintf("l%d", c.Long)
	case ConstString:
		return "s" + c.String
	case ConstInts:
		var b strings.Builder
		b.WriteByte('a')
		for _, v := range c.Ints {
			fmt.Fprintf(&b, "%d,", v)
		}
		return b.String()
	}
	return ""
}

func (c Constant) Format() string {
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf("int %d", c.Int)
	case ConstLong:
		return fmt.Sprintf("long %d", c.Long)
	case ConstString:
		return fmt.Sprintf("string %q", c.String)
	case ConstInts:
		return fmt.Sprintf("int[%d]", len(c.Ints))
	}
	return c.Kind.String()
}

// Handler guards code offsets [PC1, PC2) of a method; a fault raised there
// continues at Target.
type Handler struct {
	PC1, PC2 int32
	Target   int32
}

type Method struct {
	Name     string
	Code     []byte
	Handlers []Handler
}

// Placeholder reports whether the method body was never set.
func (m *Method) Placeholder() bool {
	return len(m.Code) == 0
}

type Module struct {
	Name  string
	Magic int32
	// Slots holds the kind of every slot unit of the execute method.
	Slots     []processor.Kind
	Constants []Constant
	// Helpers is the link table CALL operands index.
	Helpers []string
	Methods []Method

	interned map[string]int
	linked   map[string]int
}

// NewSkeleton returns a template with placeholder bodies for the given
// methods, or for the block methods when none are named.
func NewSkeleton(name string, methods ...string) *Module {
	if len(methods) == 0 {
		methods = []string{MethodInstructionCount, MethodByteLength, MethodMicrocodes, MethodPositions, MethodExecute}
	}
	m := &Module{Name: name, Magic: Magic}
	for _, n := range methods {
		m.Methods = append(m.Methods, Method{Name: n})
	}
	return m
}

// NewFromTemplate returns an independent copy of skeleton.
func NewFromTemplate(skeleton *Module) *Module {
	m := &Module{
		Name:      skeleton.Name,
		Magic:     skeleton.Magic,
		Slots:     append([]processor.Kind(nil), skeleton.Slots...),
		Constants: make([]Constant, len(skeleton.Constants)),
		Helpers:   append([]string(nil), skeleton.Helpers...),
		Methods:   make([]Method, len(skeleton.Methods)),
	}
	for i, c := range skeleton.Constants {
		c.Ints = append([]int32(nil), c.Ints...)
		m.Constants[i] = c
	}
	for i, meth := range skeleton.Methods {
		m.Methods[i] = Method{
			Name:     meth.Name,
			Code:     append([]byte(nil), meth.Code...),
			Handlers: append([]Handler(nil), meth.Handlers...),
		}
	}
	return m
}

func (m *Module) SetName(name string) {
	m.Name = name
}

// SetSlots records the slot type table of the execute method.
func (m *Module) SetSlots(kinds []processor.Kind) {
	m.Slots = append(m.Slots[:0], kinds...)
}

// Intern adds c to the constant pool unless an equal constant is already
// there, and returns its index.
func (m *Module) Intern(c Constant) int {
	if m.interned == nil {
		m.interned = make(map[string]int, len(m.Constants))
		for i, old := range m.Constants {
			m.interned[old.key()] = i
		}
	}
	k := c.key()
	if i, ok := m.interned[k]; ok {
		return i
	}
	m.Constants = append(m.Constants, c)
	m.interned[k] = len(m.Constants) - 1
	return len(m.Constants) - 1
}

// Link adds helper to the link table unless present, and returns its index.
func (m *Module) Link(helper string) int {
	if m.linked == nil {
		m.linked = make(map[string]int, len(m.Helpers))
		for i, h := range m.Helpers {
			m.linked[h] = i
		}
	}
	if i, ok := m.linked[helper]; ok {
		return i
	}
	m.Helpers = append(m.Helpers, helper)
	m.linked[helper] = len(m.Helpers) - 1
	return len(m.Helpers) - 1
}

func (m *Module) Method(name string) (*Method, bool) {
	for i := range m.Methods {
		if m.Methods[i].Name == name {
			return &m.Methods[i], true
		}
	}
	return nil, false
}

// SetMethodBody replaces the body of an existing method.
func (m *Module) SetMethodBody(name string, code []byte, handlers []Handler) error {
	meth, ok := m.Method(name)
	if !ok {
		return errors.Wrapf(ErrUnknownMethod, "%s", name)
	}
	if len(code) > MaxMethodBytes {
		return errors.Wrapf(ErrOversize, "%s is %d bytes", name, len(code))
	}
	meth.Code = append([]byte(nil), code...)
	meth.Handlers = append([]Handler(nil), handlers...)
	return nil
}
