package compiler

import (
	"github.com/cockroachdb/errors"

	"pcemu/pkg/exceptions"
	"pcemu/pkg/fragment"
	"pcemu/pkg/graph"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/unit"
)

// emitter writes the execute method of one block.
//
// Main code evaluates every external effect in program order, then pushes
// the final value of every changed architectural element and stores them
// last to first, then returns the instruction count. Handler code follows.
type emitter struct {
	mode     *Mode
	g        *graph.Graph
	handlers *exceptions.Builder
	mod      *unit.Module
	code     unit.CodeBuffer
	// stored is the offset just past the slot store of each node, or -1.
	stored []int
}

func newEmitter(mode *Mode, g *graph.Graph, handlers *exceptions.Builder, mod *unit.Module) *emitter {
	e := &emitter{mode: mode, g: g, handlers: handlers, mod: mod, stored: make([]int, len(g.Nodes))}
	for i := range e.stored {
		e.stored[i] = -1
	}
	return e
}

func (e *emitter) execute(stream *microcode.Stream) ([]byte, []unit.Handler) {
	for _, n := range e.g.Effects {
		e.expand(n, true)
	}
	changed := e.g.Changed()
	for _, el := range changed {
		e.value(e.g.Final[el])
	}
	for i := len(changed) - 1; i >= 0; i-- {
		e.code.Emit(unit.SETE, int32(changed[i]))
	}
	e.pushInt(int64(stream.X86Count))
	e.code.Emit(unit.RETURN)

	var out []unit.Handler
	for _, h := range e.handlers.Live() {
		out = append(out, unit.Handler{PC1: int32(h.Min), PC2: int32(h.Max), Target: int32(e.handler(h))})
	}
	return e.code.Bytes(), out
}

// value pushes n, expanding it on first use and loading it from its slot
// afterwards.
func (e *emitter) value(n *graph.Node) {
	switch {
	case e.stored[n.ID] >= 0:
		e.load(n)
	case n.Initial():
		e.code.Emit(unit.GETE, int32(n.Element))
	default:
		e.expand(n, false)
	}
}

// expand emits n's fragment and stores the result if n has a slot. An
// effect expanded as a statement leaves nothing on the stack.
func (e *emitter) expand(n *graph.Node, statement bool) {
	e.steps(n, e.value)
	if n.Slot >= 0 {
		if !statement {
			e.code.Emit(unit.DUP)
		}
		e.code.Emit(storeOp(n.Element.Kind()), int32(n.Slot))
		e.stored[n.ID] = e.code.Len()
	} else if statement && n.Element.Kind() != processor.KindVoid {
		e.code.Emit(unit.POP)
	}
}

func (e *emitter) steps(n *graph.Node, input func(*graph.Node)) {
	env := n.Env()
	for _, s := range n.Fragment.Steps {
		switch s.Kind {
		case fragment.StepInput:
			input(n.Inputs[s.Input])
		case fragment.StepLiteral:
			e.pushInt(s.Resolve(env))
		case fragment.StepDup:
			e.code.Emit(unit.DUP)
		case fragment.StepPop:
			e.code.Emit(unit.POP)
		case fragment.StepCall:
			pc := e.code.Emit(unit.CALL, int32(e.mod.Link(s.Helper)))
			if n.CanFault() && n.HandlerID >= 0 {
				e.handlers.Cover(n.HandlerID, pc, e.code.Len())
			}
		}
	}
}

// handler emits the rollback code of h and returns its offset. Snapshot
// values are loaded from slots stored before the guarded range and
// recomputed otherwise.
func (e *emitter) handler(h *exceptions.Handler) int {
	target := e.code.Len()
	var recompute func(n *graph.Node)
	recompute = func(n *graph.Node) {
		switch {
		case e.stored[n.ID] >= 0 && e.stored[n.ID] <= h.Min:
			e.load(n)
		case n.Initial():
			e.code.Emit(unit.GETE, int32(n.Element))
		default:
			e.steps(n, recompute)
		}
	}

	restores := h.Restores()
	for _, r := range restores {
		recompute(r.Node)
	}
	recompute(h.EIP())
	if d := h.RollbackDelta(); d != 0 {
		e.pushInt(int64(d))
		e.code.Emit(unit.CALL, int32(e.mod.Link("add32")))
	}
	e.code.Emit(unit.SETE, int32(processor.EIP))
	for i := len(restores) - 1; i >= 0; i-- {
		e.code.Emit(unit.SETE, int32(restores[i].Element))
	}

	e.code.Emit(unit.GETE, int32(processor.CPU))
	e.code.Emit(unit.FAULT)
	e.code.Emit(unit.CALL, int32(e.mod.Link(e.mode.RouteHelper)))
	e.pushInt(int64(h.Index))
	e.code.Emit(unit.RETURN)
	return target
}

func (e *emitter) load(n *graph.Node) {
	e.code.Emit(loadOp(n.Element.Kind()), int32(n.Slot))
}

// pushInt pushes the low 32 bits of v, through the constant pool when the
// operand encoding cannot hold them.
func (e *emitter) pushInt(v int64) {
	w := int32(uint32(v))
	if unit.FitsOperand(int64(w)) {
		e.code.Emit(unit.PUSHI, w)
		return
	}
	e.code.Emit(unit.LDC, int32(e.mod.Intern(unit.IntConst(w))))
}

func loadOp(k processor.Kind) unit.Opcode {
	switch k {
	case processor.KindLong:
		return unit.LLOAD
	case processor.KindRef:
		return unit.ALOAD
	}
	return unit.ILOAD
}

func storeOp(k processor.Kind) unit.Opcode {
	switch k {
	case processor.KindLong:
		return unit.LSTORE
	case processor.KindRef:
		return unit.ASTORE
	}
	return unit.ISTORE
}

// accessor fills one of the constant methods.
func accessor(mod *unit.Module, method string, emit func(c *unit.CodeBuffer)) error {
	var c unit.CodeBuffer
	emit(&c)
	c.Emit(unit.RETURN)
	return mod.SetMethodBody(method, c.Bytes(), nil)
}

// emitUnit fills a copy of the mode skeleton with the methods of one block.
func emitUnit(mode *Mode, name string, stream *microcode.Stream, g *graph.Graph, handlers *exceptions.Builder, maxMethodBytes int) (*unit.Module, error) {
	mod := unit.NewFromTemplate(mode.Skeleton)
	mod.SetName(name)
	mod.SetSlots(g.SlotKinds)

	count, length := int32(stream.X86Count), int32(stream.X86Length)
	microcodes := int32(mod.Intern(unit.IntsConst(stream.Microcodes)))
	positions := int32(mod.Intern(unit.IntsConst(stream.Positions)))
	for _, a := range []struct {
		method string
		emit   func(c *unit.CodeBuffer)
	}{
		{unit.MethodInstructionCount, func(c *unit.CodeBuffer) { c.Emit(unit.PUSHI, count) }},
		{unit.MethodByteLength, func(c *unit.CodeBuffer) { c.Emit(unit.PUSHI, length) }},
		{unit.MethodMicrocodes, func(c *unit.CodeBuffer) { c.Emit(unit.LDC, microcodes) }},
		{unit.MethodPositions, func(c *unit.CodeBuffer) { c.Emit(unit.LDC, positions) }},
	} {
		if err := accessor(mod, a.method, a.emit); err != nil {
			return nil, err
		}
	}

	code, table := newEmitter(mode, g, handlers, mod).execute(stream)
	if len(code) > maxMethodBytes {
		return nil, errors.Wrapf(unit.ErrOversize, "execute is %d bytes, limit %d", len(code), maxMethodBytes)
	}
	if err := mod.SetMethodBody(unit.MethodExecute, code, table); err != nil {
		return nil, err
	}
	return mod, nil
}
