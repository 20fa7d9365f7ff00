package vm

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
	"pcemu/pkg/unit"
)

// method is a verified, decoded method body.
type method struct {
	name     string
	insts    []unit.Inst
	index    map[int]int
	handlers []unit.Handler
	maxStack int
}

// handlerFor returns the instruction index of the handler guarding pc.
func (m *method) handlerFor(pc int) (int, bool) {
	for _, h := range m.handlers {
		if int(h.PC1) <= pc && pc < int(h.PC2) {
			return m.index[int(h.Target)], true
		}
	}
	return 0, false
}

func verifyFailure(m string, in unit.Inst, format string, args ...any) error {
	return errors.Wrapf(ErrVerify, "%s at %d (%s): %s", m, in.PC, in, fmt.Sprintf(format, args...))
}

func element(arg int32) (processor.Element, bool) {
	if arg < 0 || arg >= int32(processor.ElementCount) {
		return 0, false
	}
	return processor.Element(arg), true
}

// verify checks one method. Code is a sequence of straight-line segments
// each ending in RETURN; a segment starts at offset zero or at a handler
// target, and the stack is empty at segment start.
func verify(mod *unit.Module, meth *unit.Method, helpers []*semantics.Helper) (*method, error) {
	if meth.Placeholder() {
		return nil, errors.Wrapf(ErrVerify, "%s: body never set", meth.Name)
	}
	insts, err := unit.Instructions(meth.Code)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, meth.Name), ErrVerify)
	}
	m := &method{name: meth.Name, insts: insts, index: make(map[int]int, len(insts)), handlers: meth.Handlers}
	for i, in := range insts {
		m.index[in.PC] = i
	}

	targets := make(map[int]bool)
	for _, h := range meth.Handlers {
		_, okStart := m.index[int(h.PC1)]
		_, okEnd := m.index[int(h.PC2)]
		if int(h.PC2) == len(meth.Code) {
			okEnd = true
		}
		if !okStart || !okEnd || h.PC1 >= h.PC2 {
			return nil, errors.Wrapf(ErrVerify, "%s: bad handler range [%d,%d)", meth.Name, h.PC1, h.PC2)
		}
		if _, ok := m.index[int(h.Target)]; !ok {
			return nil, errors.Wrapf(ErrVerify, "%s: handler target %d is not an instruction", meth.Name, h.Target)
		}
		targets[int(h.Target)] = true
	}

	depth := 0
	open := false
	inHandler := false
	for _, in := range insts {
		if !open {
			if in.PC != 0 && !targets[in.PC] {
				return nil, verifyFailure(meth.Name, in, "unreachable code")
			}
			open = true
			inHandler = targets[in.PC]
			depth = 0
		} else if targets[in.PC] {
			return nil, verifyFailure(meth.Name, in, "handler target inside a segment")
		}

		pop, push := 0, 0
		switch in.Op {
		case unit.NOP:
		case unit.PUSHI, unit.GETE:
			push = 1
			if _, ok := element(in.Arg); in.Op == unit.GETE && !ok {
				return nil, verifyFailure(meth.Name, in, "bad element")
			}
		case unit.LDC:
			if in.Arg < 0 || int(in.Arg) >= len(mod.Constants) {
				return nil, verifyFailure(meth.Name, in, "bad constant")
			}
			push = 1
		case unit.DUP:
			pop, push = 1, 2
		case unit.POP:
			pop = 1
		case unit.ILOAD, unit.LLOAD, unit.ALOAD, unit.ISTORE, unit.LSTORE, unit.ASTORE:
			if in.Arg < 0 || int(in.Arg) >= len(mod.Slots) {
				return nil, verifyFailure(meth.Name, in, "bad slot")
			}
			if want := slotKind(in.Op); mod.Slots[in.Arg] != want {
				return nil, verifyFailure(meth.Name, in, "slot holds %s, not %s", mod.Slots[in.Arg], want)
			}
			switch in.Op {
			case unit.ILOAD, unit.LLOAD, unit.ALOAD:
				push = 1
			default:
				pop = 1
			}
		case unit.SETE:
			if e, ok := element(in.Arg); !ok || !e.Architectural() {
				return nil, verifyFailure(meth.Name, in, "element is not architectural")
			}
			pop = 1
		case unit.CALL:
			if in.Arg < 0 || int(in.Arg) >= len(helpers) {
				return nil, verifyFailure(meth.Name, in, "bad link")
			}
			h := helpers[in.Arg]
			pop = h.Args
			if h.Result != processor.KindVoid {
				push = 1
			}
		case unit.FAULT:
			if !inHandler {
				return nil, verifyFailure(meth.Name, in, "FAULT outside a handler")
			}
			push = 1
		case unit.RETURN:
			if depth != 1 {
				return nil, verifyFailure(meth.Name, in, "returns with %d values on the stack", depth)
			}
			open = false
			continue
		}
		if depth < pop {
			return nil, verifyFailure(meth.Name, in, "stack underflow")
		}
		depth += push - pop
		if depth > m.maxStack {
			m.maxStack = depth
		}
	}
	if open {
		return nil, errors.Wrapf(ErrVerify, "%s: falls off the end", meth.Name)
	}
	return m, nil
}

func slotKind(op unit.Opcode) processor.Kind {
	switch op {
	case unit.LLOAD, unit.LSTORE:
		return processor.KindLong
	case unit.ALOAD, unit.ASTORE:
		return processor.KindRef
	}
	return processor.KindInt
}

// link resolves helpers and verifies every method of m.
func link(m *unit.Module, registry Helpers) (*Unit, error) {
	helpers := make([]*semantics.Helper, len(m.Helpers))
	for i, name := range m.Helpers {
		h, ok := registry.Lookup(name)
		if !ok {
			return nil, errors.Wrapf(ErrVerify, "unresolved helper %s", name)
		}
		helpers[i] = h
	}
	u := &Unit{name: m.Name, module: m, helpers: helpers, methods: make(map[string]*method, len(m.Methods))}
	for i := range m.Methods {
		meth, err := verify(m, &m.Methods[i], helpers)
		if err != nil {
			return nil, err
		}
		u.methods[meth.name] = meth
	}
	return u, nil
}
