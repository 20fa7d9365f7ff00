// Package interp runs microcode blocks fragment by fragment. It is the
// fallback for blocks that cannot be compiled and the reference compiled
// units are checked against.
package interp

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/fragment"
	"pcemu/pkg/graph"
	"pcemu/pkg/lowering"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
)

// Interpreter evaluates blocks against the per-mode lowering tables.
type Interpreter struct {
	helpers fragment.HelperResolver
	tables  func(processor.Mode) *fragment.Table

	blocks       atomic.Int64
	instructions atomic.Int64
}

// New creates an interpreter that calls helpers from h, or from the default
// registry when h is nil.
func New(h fragment.HelperResolver) *Interpreter {
	if h == nil {
		h = semantics.Default()
	}
	return &Interpreter{helpers: h, tables: lowering.ForMode}
}

// Run materializes src and interprets it.
func (it *Interpreter) Run(m processor.Mode, src microcode.InstructionSource, s *processor.State) (int, error) {
	stream, err := microcode.Materialize(src)
	if err != nil {
		return 0, err
	}
	return it.RunStream(m, stream, s)
}

// RunStream interprets a materialized block and returns the number of
// instructions completed. Architectural state is written back once at the
// end. A fault from a fault-capable fragment restores the state as of the
// start of its instruction, points EIP at that instruction and routes the
// fault; any other fault is returned with the state untouched.
func (it *Interpreter) RunStream(m processor.Mode, stream *microcode.Stream, s *processor.State) (int, error) {
	table := it.tables(m)
	if table == nil {
		return 0, errors.Newf("no lowering table for %s mode", m)
	}
	it.blocks.Add(1)

	var vals [processor.ElementCount]processor.Value
	var written [processor.ElementCount]bool
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() {
			vals[e] = s.Get(e)
		}
	}
	vals[processor.CPU] = processor.RefValue(s)

	snapshot := vals
	snapshotBase := 0
	base := 0
	index := -1
	type result struct {
		e processor.Element
		v processor.Value
	}
	results := make([]result, 0, 8)

	for i := range stream.Records {
		rec := &stream.Records[i]
		frags := table.Targets(rec.Op)
		if len(frags) == 0 {
			return 0, &graph.UnimplementedError{Op: rec.Op, Index: rec.Index}
		}
		if rec.Index != index {
			index = rec.Index
			snapshot = vals
			snapshotBase = base
		}
		env := fragment.Env{
			Immediate:   rec.Immediate,
			X86Length:   rec.Position - base,
			X86Position: rec.Position,
		}
		results = results[:0]
		folds := false
		for _, f := range frags {
			inputs := make([]processor.Value, len(f.Inputs))
			for j, e := range f.Inputs {
				inputs[j] = vals[e]
			}
			v, err := f.Eval(inputs, env, it.helpers)
			if err != nil {
				fault, ok := processor.AsFault(err)
				if !ok || !f.CanFault {
					return 0, err
				}
				return it.rollback(m, s, &snapshot, rec.Start-snapshotBase, fault, rec.Index)
			}
			if f.FoldsEIP() {
				folds = true
			}
			if f.Target.Kind() != processor.KindVoid {
				results = append(results, result{f.Target, v})
			}
		}
		for _, r := range results {
			vals[r.e] = r.v
			written[r.e] = true
		}
		if folds {
			base = rec.Position
		}
	}

	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() && written[e] {
			s.Set(e, vals[e])
		}
	}
	it.instructions.Add(int64(stream.X86Count))
	return stream.X86Count, nil
}

func (it *Interpreter) rollback(m processor.Mode, s *processor.State, snapshot *[processor.ElementCount]processor.Value, delta int, fault *processor.Fault, index int) (int, error) {
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() && e != processor.EIP {
			s.Set(e, snapshot[e])
		}
	}
	s.Set(processor.EIP, processor.IntValue(snapshot[processor.EIP].U32()+uint32(delta)))

	name := lowering.FaultRouteHelper(m)
	route, ok := it.helpers.Lookup(name)
	if !ok {
		return 0, errors.Newf("fault routing helper %s not found", name)
	}
	if _, err := route.Fn([]processor.Value{processor.RefValue(s), processor.RefValue(fault)}); err != nil {
		return 0, err
	}
	it.instructions.Add(int64(index))
	return index, nil
}

// Stats counts interpreted work.
type Stats struct {
	Blocks       int
	Instructions int
}

func (it *Interpreter) Stats() Stats {
	return Stats{Blocks: int(it.blocks.Load()), Instructions: int(it.instructions.Load())}
}
