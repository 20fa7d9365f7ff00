// Package semantics holds the named helpers that lowering fragments call.
// Compiled units refer to helpers by name and are linked against a Registry
// when loaded; the reference interpreter calls the same functions directly.
package semantics

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
)

// Func is a helper body. Args arrive in push order.
type Func func(args []processor.Value) (processor.Value, error)

type Helper struct {
	Name string
	Args int
	// Result is KindVoid for helpers that leave nothing on the stack.
	Result processor.Kind
	Fn     Func
}

// Registry maps helper names to implementations.
type Registry struct {
	mu      sync.RWMutex
	helpers map[string]*Helper
}

func NewRegistry() *Registry {
	return &Registry{helpers: make(map[string]*Helper)}
}

// Register adds h. Names are unique.
func (r *Registry) Register(h Helper) error {
	if h.Name == "" || h.Fn == nil {
		return errors.Newf("helper %q is incomplete", h.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.helpers[h.Name]; ok {
		return errors.Newf("helper %q already registered", h.Name)
	}
	r.helpers[h.Name] = &h
	return nil
}

func (r *Registry) Lookup(name string) (*Helper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.helpers[name]
	return h, ok
}

// Names lists the registered helpers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.helpers))
	for n := range r.helpers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent registry with the same helpers, so a caller
// can add or override helpers without touching the shared default.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for n, h := range r.helpers {
		c.helpers[n] = h
	}
	return c
}

// Replace swaps the body of an existing helper, keeping its signature.
func (r *Registry) Replace(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.helpers[name]
	if !ok {
		return errors.Newf("helper %q not registered", name)
	}
	nh := *h
	nh.Fn = fn
	r.helpers[name] = &nh
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the shared registry holding every built-in helper.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		for _, group := range [][]Helper{arithmetic(), flags(), control(), machine()} {
			for _, h := range group {
				if err := r.Register(h); err != nil {
					panic(err)
				}
			}
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

func u32(v processor.Value) uint32 { return uint32(v.Int) }

func intResult(v uint32) (processor.Value, error) {
	return processor.IntValue(v), nil
}

func boolResult(b bool) (processor.Value, error) {
	if b {
		return processor.IntValue(1), nil
	}
	return processor.IntValue(0), nil
}

// unary and binary wrap pure 32-bit functions.
func unary(name string, f func(a uint32) uint32) Helper {
	return Helper{Name: name, Args: 1, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		return intResult(f(u32(args[0])))
	}}
}

func binary(name string, f func(a, b uint32) uint32) Helper {
	return Helper{Name: name, Args: 2, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		return intResult(f(u32(args[0]), u32(args[1])))
	}}
}

func cpuArg(name string, v processor.Value) (*processor.State, error) {
	s := v.State()
	if s == nil {
		return nil, errors.Newf("%s: first argument is not the cpu", name)
	}
	return s, nil
}
