// Package vm loads block units and runs them against a processor state.
package vm

import (
	"sync"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
	"pcemu/pkg/unit"
)

var (
	ErrDuplicate = errors.New("unit already loaded")
	ErrVerify    = errors.New("unit failed verification")
)

// CodeBlock is a loaded block the emulator can run.
type CodeBlock interface {
	X86InstructionCount() int
	X86ByteLength() int
	Microcodes() []int32
	Positions() []int32
	// Execute runs the block and returns the number of instructions it
	// completed. A fault inside a guarded range has already been routed when
	// Execute returns; any other fault is returned as a *processor.Fault.
	Execute(s *processor.State) (int, error)
}

// Helpers resolves CALL links; *semantics.Registry satisfies it.
type Helpers interface {
	Lookup(name string) (*semantics.Helper, bool)
}

// Loader verifies, links and registers units by name. Units are never
// unloaded.
type Loader struct {
	helpers Helpers

	mu    sync.RWMutex
	units map[string]*Unit
}

func NewLoader(helpers Helpers) *Loader {
	if helpers == nil {
		helpers = semantics.Default()
	}
	return &Loader{helpers: helpers, units: make(map[string]*Unit)}
}

func (l *Loader) Exists(name string) (CodeBlock, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.units[name]
	if !ok {
		return nil, false
	}
	return u, true
}

// Unit returns the loaded unit registered under name.
func (l *Loader) Unit(name string) (*Unit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.units[name]
	return u, ok
}

// Len reports how many units are loaded.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.units)
}

// Load decodes and verifies data and registers it under name.
func (l *Loader) Load(name string, data []byte) (CodeBlock, error) {
	if _, ok := l.Exists(name); ok {
		return nil, errors.Wrapf(ErrDuplicate, "%s", name)
	}
	m, err := unit.Decode(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s", name), ErrVerify)
	}
	if m.Name != name {
		return nil, errors.Wrapf(ErrVerify, "%s: unit is named %s", name, m.Name)
	}
	u, err := link(m, l.helpers)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	u.data = append([]byte(nil), data...)
	if err := u.init(); err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.units[name]; ok {
		return nil, errors.Wrapf(ErrDuplicate, "%s", name)
	}
	l.units[name] = u
	return u, nil
}
