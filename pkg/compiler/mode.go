package compiler

import (
	"sync"

	"pcemu/pkg/fragment"
	"pcemu/pkg/lowering"
	"pcemu/pkg/processor"
	"pcemu/pkg/unit"
)

// Mode is everything that differs between real, protected and virtual-8086
// compilation. The pipeline itself is shared.
type Mode struct {
	Name      string
	Processor processor.Mode
	Table     *fragment.Table
	// Skeleton is copied for every unit; it must not be modified.
	Skeleton *unit.Module
	// RouteHelper delivers a fault caught by a unit handler.
	RouteHelper string
}

// NewMode builds a mode from a lowering table.
func NewMode(m processor.Mode, table *fragment.Table) *Mode {
	return &Mode{
		Name:        m.String(),
		Processor:   m,
		Table:       table,
		Skeleton:    unit.NewSkeleton(m.String()),
		RouteHelper: lowering.FaultRouteHelper(m),
	}
}

var (
	modesOnce sync.Once
	modes     map[processor.Mode]*Mode
)

// ForMode returns the shared mode for m, or nil.
func ForMode(m processor.Mode) *Mode {
	modesOnce.Do(func() {
		modes = make(map[processor.Mode]*Mode)
		for _, pm := range []processor.Mode{processor.ModeReal, processor.ModeProtected, processor.ModeVirtual8086} {
			modes[pm] = NewMode(pm, lowering.ForMode(pm))
		}
	})
	return modes[m]
}

func Real() *Mode        { return ForMode(processor.ModeReal) }
func Protected() *Mode   { return ForMode(processor.ModeProtected) }
func Virtual8086() *Mode { return ForMode(processor.ModeVirtual8086) }
