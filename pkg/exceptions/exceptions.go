// Package exceptions derives the rollback handlers of a block: for every
// instruction that can fault, the architectural state as of the
// instruction's start and the code range the handler guards.
package exceptions

import (
	"fmt"
	"sort"

	"pcemu/pkg/graph"
	"pcemu/pkg/processor"
)

// Entry is one architectural element and the node holding its value.
type Entry struct {
	Element processor.Element
	Node    *graph.Node
}

type Handler struct {
	ID int
	// Index is the owning instruction's position in the block, which is
	// also the number of instructions that completed before it.
	Index int
	// Start is the block byte offset of the owning instruction.
	Start   int
	EIPBase int
	// Snapshot is ordered by producer creation.
	Snapshot []Entry
	// Min and Max bound the guarded code, [Min, Max). Min is -1 until the
	// first Cover.
	Min, Max int
}

// Empty reports whether no code was attributed to the handler.
func (h *Handler) Empty() bool {
	return h.Min < 0 || h.Max <= h.Min
}

// RollbackDelta is added to the snapshot EIP to point it at the start of the
// faulting instruction.
func (h *Handler) RollbackDelta() int {
	return h.Start - h.EIPBase
}

// Restores returns the snapshot entries that differ from the block's entry
// state and must be written back, excluding EIP.
func (h *Handler) Restores() []Entry {
	var out []Entry
	for _, e := range h.Snapshot {
		if e.Element == processor.EIP || e.Node.Initial() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EIP returns the snapshot entry for EIP.
func (h *Handler) EIP() *graph.Node {
	for _, e := range h.Snapshot {
		if e.Element == processor.EIP {
			return e.Node
		}
	}
	return nil
}

func (h *Handler) String() string {
	return fmt.Sprintf("handler %d: instruction %d at +%d, code [%d,%d)", h.ID, h.Index, h.Start, h.Min, h.Max)
}

// Builder implements graph.FaultTracker.
type Builder struct {
	handlers []*Handler
	current  *Handler
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Track(n *graph.Node, start *graph.Producers, eipBase int) int {
	if b.current != nil && b.current.Index == n.Record.Index {
		return b.current.ID
	}
	h := &Handler{
		ID:      len(b.handlers),
		Index:   n.Record.Index,
		Start:   n.Record.Start,
		EIPBase: eipBase,
		Min:     -1,
	}
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() {
			h.Snapshot = append(h.Snapshot, Entry{Element: e, Node: start[e]})
		}
	}
	sort.SliceStable(h.Snapshot, func(i, j int) bool {
		return h.Snapshot[i].Node.ID < h.Snapshot[j].Node.ID
	})
	b.handlers = append(b.handlers, h)
	b.current = h
	return h.ID
}

// Cover widens handler id's guarded range to include [start, end).
func (b *Builder) Cover(id, start, end int) {
	h := b.handlers[id]
	if end <= start {
		return
	}
	if h.Min < 0 || start < h.Min {
		h.Min = start
	}
	if end > h.Max {
		h.Max = end
	}
}

// Handlers returns every handler opened, in creation order.
func (b *Builder) Handlers() []*Handler {
	return b.handlers
}

// Live returns the handlers that guard some code.
func (b *Builder) Live() []*Handler {
	var out []*Handler
	for _, h := range b.handlers {
		if !h.Empty() {
			out = append(out, h)
		}
	}
	return out
}
