package vm

import (
	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
	"pcemu/pkg/unit"
)

// Unit is a loaded, linked block unit.
type Unit struct {
	name    string
	module  *unit.Module
	data    []byte
	helpers []*semantics.Helper
	methods map[string]*method

	count, length         int
	microcodes, positions []int32
}

func (u *Unit) Name() string { return u.name }

// Module returns the decoded container. It must not be modified.
func (u *Unit) Module() *unit.Module { return u.module }

// Bytes returns the serialized unit as loaded.
func (u *Unit) Bytes() []byte { return u.data }

func (u *Unit) X86InstructionCount() int { return u.count }
func (u *Unit) X86ByteLength() int       { return u.length }
func (u *Unit) Microcodes() []int32      { return u.microcodes }
func (u *Unit) Positions() []int32       { return u.positions }

func (u *Unit) Execute(s *processor.State) (int, error) {
	if s == nil {
		return 0, errors.New("execute without a processor state")
	}
	v, err := u.call(unit.MethodExecute, s)
	if err != nil {
		return 0, err
	}
	return int(v.U32()), nil
}

// init runs the accessor methods once and caches their results.
func (u *Unit) init() error {
	for _, m := range []string{unit.MethodInstructionCount, unit.MethodByteLength, unit.MethodMicrocodes, unit.MethodPositions, unit.MethodExecute} {
		if _, ok := u.methods[m]; !ok {
			return errors.Wrapf(ErrVerify, "missing method %s", m)
		}
	}
	v, err := u.call(unit.MethodInstructionCount, nil)
	if err != nil {
		return err
	}
	u.count = int(v.U32())
	if v, err = u.call(unit.MethodByteLength, nil); err != nil {
		return err
	}
	u.length = int(v.U32())

	for _, a := range []struct {
		method string
		dst    *[]int32
	}{
		{unit.MethodMicrocodes, &u.microcodes},
		{unit.MethodPositions, &u.positions},
	} {
		v, err := u.call(a.method, nil)
		if err != nil {
			return err
		}
		arr, ok := v.Ref.([]int32)
		if !ok {
			return errors.Wrapf(ErrVerify, "%s returned %s", a.method, v)
		}
		*a.dst = arr
	}
	return nil
}

func (u *Unit) call(name string, s *processor.State) (processor.Value, error) {
	m, ok := u.methods[name]
	if !ok {
		return processor.Value{}, errors.Newf("%s: no method %s", u.name, name)
	}
	return u.run(m, s)
}

func constant(c unit.Constant) processor.Value {
	switch c.Kind {
	case unit.ConstInt:
		return processor.IntValue(uint32(c.Int))
	case unit.ConstLong:
		return processor.LongValue(uint64(c.Long))
	case unit.ConstString:
		return processor.RefValue(c.String)
	}
	return processor.RefValue(c.Ints)
}

// run interprets a verified method. A helper fault raised inside a handler
// range discards the operand stack and continues at the handler.
func (u *Unit) run(m *method, s *processor.State) (processor.Value, error) {
	stack := make([]processor.Value, 0, m.maxStack)
	var slots []processor.Value
	if n := len(u.module.Slots); n > 0 && m.name == unit.MethodExecute {
		slots = make([]processor.Value, n)
	}
	var pending *processor.Fault

	pop := func() processor.Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for i := 0; i < len(m.insts); {
		in := m.insts[i]
		i++
		switch in.Op {
		case unit.NOP:
		case unit.PUSHI:
			stack = append(stack, processor.IntValue(uint32(in.Arg)))
		case unit.LDC:
			stack = append(stack, constant(u.module.Constants[in.Arg]))
		case unit.DUP:
			stack = append(stack, stack[len(stack)-1])
		case unit.POP:
			pop()
		case unit.ILOAD, unit.LLOAD, unit.ALOAD:
			stack = append(stack, slots[in.Arg])
		case unit.ISTORE, unit.LSTORE, unit.ASTORE:
			slots[in.Arg] = pop()
		case unit.GETE:
			if s == nil {
				return processor.Value{}, errors.Newf("%s: GETE without a processor state", m.name)
			}
			stack = append(stack, s.Get(processor.Element(in.Arg)))
		case unit.SETE:
			if s == nil {
				return processor.Value{}, errors.Newf("%s: SETE without a processor state", m.name)
			}
			s.Set(processor.Element(in.Arg), pop())
		case unit.CALL:
			h := u.helpers[in.Arg]
			base := len(stack) - h.Args
			v, err := h.Fn(stack[base:])
			stack = stack[:base]
			if err != nil {
				f, ok := processor.AsFault(err)
				if !ok {
					return processor.Value{}, errors.Wrapf(err, "%s: %s", m.name, h.Name)
				}
				target, ok := m.handlerFor(in.PC)
				if !ok {
					return processor.Value{}, f
				}
				pending = f
				stack = stack[:0]
				i = target
				continue
			}
			if h.Result != processor.KindVoid {
				stack = append(stack, v)
			}
		case unit.FAULT:
			stack = append(stack, processor.RefValue(pending))
		case unit.RETURN:
			return pop(), nil
		}
	}
	return processor.Value{}, errors.Newf("%s: fell off the end", m.name)
}
