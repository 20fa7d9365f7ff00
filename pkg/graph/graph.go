// Package graph turns a microcode stream into a dataflow DAG over processor
// elements and decides which values are kept in slots.
package graph

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/fragment"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

// Node is one value: either the initial contents of an element or the
// result of one fragment applied at one record.
type Node struct {
	ID       int
	Element  processor.Element
	Record   *microcode.Record
	Fragment *fragment.Fragment
	Inputs   []*Node
	Uses     int
	// Slot is the first slot unit holding the value, or -1.
	Slot int
	// HandlerID names the exception handler covering the node, or -1.
	HandlerID int
	// EIPBase is the block byte offset EIP had been advanced to when the
	// node was created.
	EIPBase int
}

func (n *Node) Initial() bool {
	return n.Fragment == nil
}

func (n *Node) HasExternalEffect() bool {
	return n.Fragment != nil && n.Fragment.HasExternalEffect
}

func (n *Node) CanFault() bool {
	return n.Fragment != nil && n.Fragment.CanFault
}

// Env resolves the fragment's literal placeholders for this node.
func (n *Node) Env() fragment.Env {
	if n.Record == nil {
		return fragment.Env{}
	}
	return fragment.Env{
		Immediate:   n.Record.Immediate,
		X86Length:   n.Record.Position - n.EIPBase,
		X86Position: n.Record.Position,
	}
}

func (n *Node) String() string {
	if n.Initial() {
		return fmt.Sprintf("n%d(%s initial)", n.ID, n.Element)
	}
	return fmt.Sprintf("n%d(%s = %s)", n.ID, n.Element, n.Record.Op)
}

// Producers maps every element to the node currently holding its value.
type Producers [processor.ElementCount]*Node

// FaultTracker is told about every fault-capable node as it is created, with
// the producers and EIP base as of the start of the node's instruction. It
// returns the id of the handler that covers the node.
type FaultTracker interface {
	Track(n *Node, start *Producers, eipBase int) int
}

// UnimplementedError reports a record whose op has no fragment in the
// lowering table.
type UnimplementedError struct {
	Op    microcode.Op
	Index int
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("no lowering for %s in instruction %d", e.Op, e.Index)
}

var ErrSlotExhaustion = errors.New("slot budget exhausted")

type Graph struct {
	Nodes   []*Node
	Initial Producers
	Final   Producers
	// Effects lists the external-effect nodes in program order.
	Effects []*Node
	Stream  *microcode.Stream
	// SlotKinds is the kind held at each slot unit; the second unit of a
	// long is KindVoid.
	SlotKinds []processor.Kind
}

// Build creates the DAG. Within one record every fragment sees the producers
// as they were before the record; results become current together.
func Build(stream *microcode.Stream, table *fragment.Table, tracker FaultTracker) (*Graph, error) {
	g := &Graph{Stream: stream}
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		g.Initial[e] = g.newNode(e, nil, nil, nil, 0)
	}
	producers := g.Initial
	start := producers
	startBase := 0
	base := 0
	index := -1
	created := make([]*Node, 0, 8)

	for i := range stream.Records {
		rec := &stream.Records[i]
		frags := table.Targets(rec.Op)
		if len(frags) == 0 {
			return nil, &UnimplementedError{Op: rec.Op, Index: rec.Index}
		}
		if rec.Index != index {
			index = rec.Index
			start = producers
			startBase = base
		}
		created = created[:0]
		folds := false
		for _, f := range frags {
			inputs := make([]*Node, len(f.Inputs))
			for j, e := range f.Inputs {
				inputs[j] = producers[e]
				inputs[j].Uses++
			}
			n := g.newNode(f.Target, rec, f, inputs, base)
			if f.FoldsEIP() {
				folds = true
			}
			if f.HasExternalEffect {
				g.Effects = append(g.Effects, n)
			}
			if f.CanFault && tracker != nil {
				n.HandlerID = tracker.Track(n, &start, startBase)
			}
			created = append(created, n)
		}
		for _, n := range created {
			if n.Element.Kind() != processor.KindVoid {
				producers[n.Element] = n
			}
		}
		if folds {
			base = rec.Position
		}
	}
	g.Final = producers
	return g, nil
}

func (g *Graph) newNode(e processor.Element, rec *microcode.Record, f *fragment.Fragment, inputs []*Node, base int) *Node {
	n := &Node{
		ID:        len(g.Nodes),
		Element:   e,
		Record:    rec,
		Fragment:  f,
		Inputs:    inputs,
		Slot:      -1,
		HandlerID: -1,
		EIPBase:   base,
	}
	g.Nodes = append(g.Nodes, n)
	return n
}

// Changed lists the architectural elements whose final producer is not the
// initial value, in element order.
func (g *Graph) Changed() []processor.Element {
	var out []processor.Element
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() && g.Final[e] != g.Initial[e] {
			out = append(out, e)
		}
	}
	return out
}

// Roots are the nodes the block must evaluate: every effect in order, then
// the final value of every changed architectural element.
func (g *Graph) Roots() []*Node {
	roots := append([]*Node(nil), g.Effects...)
	for _, e := range g.Changed() {
		roots = append(roots, g.Final[e])
	}
	return roots
}

// Allocate assigns slots. A node is kept in a slot when the traversal from
// the roots reaches it more than once or when it is an effect, unless its
// element cannot be materialized. Slots are numbered in first-reach order
// and a long takes two units. It returns the number of units used.
func (g *Graph) Allocate(maxUnits int) (int, error) {
	reach := make([]int, len(g.Nodes))
	order := make([]*Node, 0, len(g.Nodes))
	var visit func(n *Node)
	visit = func(n *Node) {
		reach[n.ID]++
		if reach[n.ID] > 1 {
			return
		}
		order = append(order, n)
		for _, in := range n.Inputs {
			visit(in)
		}
	}
	for _, r := range g.Roots() {
		visit(r)
	}

	units := 0
	g.SlotKinds = g.SlotKinds[:0]
	for _, n := range order {
		if !n.Element.Materializable() {
			continue
		}
		if reach[n.ID] < 2 && !n.HasExternalEffect() {
			continue
		}
		kind := n.Element.Kind()
		if units+kind.Units() > maxUnits {
			return 0, errors.Wrapf(ErrSlotExhaustion, "%d units needed beyond %d", units+kind.Units(), maxUnits)
		}
		n.Slot = units
		g.SlotKinds = append(g.SlotKinds, kind)
		for i := 1; i < kind.Units(); i++ {
			g.SlotKinds = append(g.SlotKinds, processor.KindVoid)
		}
		units += kind.Units()
	}
	return units, nil
}

// Slotted returns the nodes holding slots, in slot order.
func (g *Graph) Slotted() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Slot >= 0 {
			out = append(out, n)
		}
	}
	// slot numbers follow first reach, not creation
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
