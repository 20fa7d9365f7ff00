// Package fragment describes how one microcode op computes one processor
// element, as a short stack program over helper calls.
package fragment

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
)

type StepKind uint8

const (
	// StepInput pushes the value of one of the fragment's inputs.
	StepInput StepKind = iota
	StepLiteral
	StepCall
	StepDup
	StepPop
)

type LiteralKind uint8

const (
	LiteralConst LiteralKind = iota
	// LiteralImmediate is the payload of the owning record.
	LiteralImmediate
	// LiteralX86Length is the byte distance since EIP was last brought up to
	// date. A fragment using it moves EIP forward to the owning instruction's
	// end.
	LiteralX86Length
	// LiteralX86Position is the owning instruction's end offset in the block.
	LiteralX86Position
)

type Step struct {
	Kind    StepKind
	Input   int
	Literal LiteralKind
	Value   int64
	Helper  string
}

func In(i int) Step           { return Step{Kind: StepInput, Input: i} }
func Const(v int64) Step      { return Step{Kind: StepLiteral, Literal: LiteralConst, Value: v} }
func Immediate() Step         { return Step{Kind: StepLiteral, Literal: LiteralImmediate} }
func X86Length() Step         { return Step{Kind: StepLiteral, Literal: LiteralX86Length} }
func X86Position() Step       { return Step{Kind: StepLiteral, Literal: LiteralX86Position} }
func Call(helper string) Step { return Step{Kind: StepCall, Helper: helper} }
func Dup() Step               { return Step{Kind: StepDup} }
func Pop() Step               { return Step{Kind: StepPop} }

func (s Step) String() string {
	switch s.Kind {
	case StepInput:
		return fmt.Sprintf("in %d", s.Input)
	case StepLiteral:
		switch s.Literal {
		case LiteralImmediate:
			return "imm"
		case LiteralX86Length:
			return "x86length"
		case LiteralX86Position:
			return "x86position"
		}
		return fmt.Sprintf("const %d", s.Value)
	case StepCall:
		return "call " + s.Helper
	case StepDup:
		return "dup"
	case StepPop:
		return "pop"
	}
	return fmt.Sprintf("step(%d)", s.Kind)
}

// Env carries the per-record values literal placeholders resolve to.
type Env struct {
	Immediate   int32
	X86Length   int
	X86Position int
}

// Resolve returns the literal a step pushes. Only literal steps resolve.
func (s Step) Resolve(env Env) int64 {
	switch s.Literal {
	case LiteralImmediate:
		return int64(env.Immediate)
	case LiteralX86Length:
		return int64(env.X86Length)
	case LiteralX86Position:
		return int64(env.X86Position)
	}
	return s.Value
}

// Fragment computes Target for Op from Inputs.
type Fragment struct {
	Name   string
	Op     microcode.Op
	Target processor.Element
	Inputs []processor.Element
	Steps  []Step
	// HasExternalEffect fragments run exactly once, in program order.
	HasExternalEffect bool
	CanFault          bool
}

// FoldsEIP reports whether the fragment brings EIP up to date with the end
// of its instruction.
func (f *Fragment) FoldsEIP() bool {
	for _, s := range f.Steps {
		if s.Kind == StepLiteral && s.Literal == LiteralX86Length {
			return true
		}
	}
	return false
}

func (f *Fragment) String() string {
	steps := make([]string, len(f.Steps))
	for i, s := range f.Steps {
		steps[i] = s.String()
	}
	return fmt.Sprintf("%s: %s", f.Name, strings.Join(steps, "; "))
}

// HelperResolver finds helpers by name; *semantics.Registry satisfies it.
type HelperResolver interface {
	Lookup(name string) (*semantics.Helper, bool)
}

// Eval runs the fragment directly over input values.
func (f *Fragment) Eval(inputs []processor.Value, env Env, helpers HelperResolver) (processor.Value, error) {
	stack := make([]processor.Value, 0, len(f.Steps))
	for _, s := range f.Steps {
		switch s.Kind {
		case StepInput:
			stack = append(stack, inputs[s.Input])
		case StepLiteral:
			stack = append(stack, processor.IntValue(uint32(s.Resolve(env))))
		case StepDup:
			stack = append(stack, stack[len(stack)-1])
		case StepPop:
			stack = stack[:len(stack)-1]
		case StepCall:
			h, ok := helpers.Lookup(s.Helper)
			if !ok {
				return processor.Value{}, errors.Newf("%s: unknown helper %q", f.Name, s.Helper)
			}
			base := len(stack) - h.Args
			v, err := h.Fn(stack[base:])
			if err != nil {
				return processor.Value{}, err
			}
			stack = stack[:base]
			if h.Result != processor.KindVoid {
				stack = append(stack, v)
			}
		}
	}
	if len(stack) == 0 {
		return processor.Value{}, nil
	}
	return stack[len(stack)-1], nil
}
