package compiler

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"pcemu/pkg/microcode"
	"pcemu/pkg/vm"
)

var ErrPoolClosed = errors.New("compile pool closed")

// Result is the outcome of a background compile.
type Result struct {
	Block vm.CodeBlock
	Err   error
	// Shared is set when the result came from another caller's compile of
	// the same block.
	Shared bool
}

type job struct {
	mode   *Mode
	stream *microcode.Stream
	name   string
	done   chan Result
}

// Pool compiles blocks on background workers so the execution loop can keep
// interpreting. Requests for a block already being compiled wait for that
// compile instead of starting another.
type Pool struct {
	c     *Compiler
	jobs  chan job
	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(c *Compiler, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{c: c, jobs: make(chan job, 4*workers)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		v, err, shared := p.group.Do(j.name, func() (interface{}, error) {
			return p.c.CompileStream(j.mode, j.stream, j.name)
		})
		r := Result{Err: err, Shared: shared}
		if v != nil {
			r.Block, _ = v.(vm.CodeBlock)
		}
		j.done <- r
	}
}

// Submit materializes src on the caller's goroutine and queues the compile.
// The returned channel receives exactly one result.
func (p *Pool) Submit(mode *Mode, src microcode.InstructionSource, name string) <-chan Result {
	stream, err := microcode.Materialize(src)
	if err != nil {
		kind := MalformedBlock
		if errors.Is(err, microcode.ErrEmptyBlock) {
			kind = EmptyBlock
		}
		done := make(chan Result, 1)
		done <- Result{Err: WrapCompileError(kind, name, err, "")}
		return done
	}
	return p.SubmitStream(mode, stream, name)
}

// SubmitStream queues the compile of an already materialized block.
func (p *Pool) SubmitStream(mode *Mode, stream *microcode.Stream, name string) <-chan Result {
	done := make(chan Result, 1)
	if name == "" {
		name = DefaultName(mode, Key(stream.Microcodes))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		done <- Result{Err: errors.Wrapf(ErrPoolClosed, "compile %s", name)}
		return done
	}
	p.jobs <- job{mode: mode, stream: stream, name: name, done: done}
	return done
}

// Close stops accepting work and waits for queued compiles to finish. Later
// submissions fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
