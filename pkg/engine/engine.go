// Package engine runs basic blocks, compiled where possible and interpreted
// otherwise.
package engine

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"pcemu/pkg/compiler"
	"pcemu/pkg/interp"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
	"pcemu/pkg/vm"
)

// ExecutionMode determines how blocks are run
type ExecutionMode int

const (
	ModeCompiled    ExecutionMode = iota // compile on first sight, interpret on failure
	ModeInterpreter                      // never compile
)

func (m ExecutionMode) String() string {
	if m == ModeInterpreter {
		return "interpreter"
	}
	return "compiled"
}

// ModeFromEnv returns the execution mode selected by PCEMU_MODE.
func ModeFromEnv() ExecutionMode {
	if os.Getenv("PCEMU_MODE") == "interpreter" {
		return ModeInterpreter
	}
	return ModeCompiled
}

type config struct {
	helpers  *semantics.Registry
	logger   *log.Logger
	mode     ExecutionMode
	workers  int
	compiler []compiler.Option
}

type Option func(*config)

// WithHelpers links compiled units and the interpreter against r.
func WithHelpers(r *semantics.Registry) Option {
	return func(c *config) { c.helpers = r }
}

func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithExecutionMode(m ExecutionMode) Option {
	return func(c *config) { c.mode = m }
}

// WithWorkers compiles in the background on n workers. Until a block's unit
// is ready the block is interpreted.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

func WithCompilerOptions(opts ...compiler.Option) Option {
	return func(c *config) { c.compiler = append(c.compiler, opts...) }
}

// Engine is the execution loop's entry point for one block at a time.
type Engine struct {
	mode     ExecutionMode
	logger   *log.Logger
	loader   *vm.Loader
	compiler *compiler.Compiler
	interp   *interp.Interpreter

	pool    *compiler.Pool
	pending *xsync.MapOf[string, struct{}]
	mu      sync.RWMutex
	closed  bool

	compiledRuns    atomic.Int64
	interpretedRuns atomic.Int64
	fallbacks       atomic.Int64
}

// New creates an engine. The execution mode defaults to ModeFromEnv.
func New(opts ...Option) *Engine {
	cfg := config{logger: log.Default(), mode: ModeFromEnv()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.helpers == nil {
		cfg.helpers = semantics.Default()
	}
	e := &Engine{
		mode:    cfg.mode,
		logger:  cfg.logger,
		loader:  vm.NewLoader(cfg.helpers),
		interp:  interp.New(cfg.helpers),
		pending: xsync.NewMapOf[string, struct{}](),
	}
	copts := append([]compiler.Option{compiler.WithLoader(e.loader), compiler.WithLogger(cfg.logger)}, cfg.compiler...)
	e.compiler = compiler.New(copts...)
	if cfg.workers > 0 && e.mode == ModeCompiled {
		e.pool = compiler.NewPool(e.compiler, cfg.workers)
	}
	return e
}

func (e *Engine) Compiler() *compiler.Compiler { return e.compiler }

func (e *Engine) Loader() *vm.Loader { return e.loader }

func (e *Engine) Mode() ExecutionMode { return e.mode }

// Run executes the block read from src against s and returns the number of
// instructions completed.
func (e *Engine) Run(m processor.Mode, src microcode.InstructionSource, s *processor.State) (int, error) {
	stream, err := microcode.Materialize(src)
	if err != nil {
		return 0, err
	}
	return e.RunStream(m, stream, s)
}

// RunStream is Run for a materialized block.
func (e *Engine) RunStream(m processor.Mode, stream *microcode.Stream, s *processor.State) (int, error) {
	if e.mode == ModeInterpreter {
		return e.interpret(m, stream, s)
	}
	mode := compiler.ForMode(m)
	if mode == nil {
		return 0, errors.Newf("no compiler for %s mode", m)
	}

	var block vm.CodeBlock
	if e.pool != nil {
		block = e.background(mode, stream)
	} else {
		var err error
		block, err = e.compiler.CompileStream(mode, stream, "")
		if err != nil {
			if !compiler.IsCompileError(err) {
				return 0, err
			}
			e.fallbacks.Add(1)
		}
	}
	if block == nil {
		return e.interpret(m, stream, s)
	}
	e.compiledRuns.Add(1)
	return block.Execute(s)
}

// background returns the cached unit for stream, queueing its compile the
// first time it is seen.
func (e *Engine) background(mode *compiler.Mode, stream *microcode.Stream) vm.CodeBlock {
	name := compiler.DefaultName(mode, compiler.Key(stream.Microcodes))
	if block, ok := e.compiler.Lookup(name); ok {
		return block
	}
	if _, queued := e.pending.LoadOrStore(name, struct{}{}); queued {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	done := e.pool.SubmitStream(mode, stream, name)
	go func() {
		if r := <-done; r.Err != nil {
			e.fallbacks.Add(1)
		}
	}()
	return nil
}

func (e *Engine) interpret(m processor.Mode, stream *microcode.Stream, s *processor.State) (int, error) {
	e.interpretedRuns.Add(1)
	return e.interp.RunStream(m, stream, s)
}

// Close waits for queued background compiles. Blocks not yet compiled are
// interpreted from then on.
func (e *Engine) Close() {
	if e.pool == nil {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pool.Close()
}

// Stats returns execution statistics
type Stats struct {
	Mode        ExecutionMode
	Compiled    int
	Interpreted int
	// Fallbacks counts blocks whose compile failed.
	Fallbacks int
	Compiler  compiler.Stats
	Interp    interp.Stats
}

func (e *Engine) Stats() Stats {
	return Stats{
		Mode:        e.mode,
		Compiled:    int(e.compiledRuns.Load()),
		Interpreted: int(e.interpretedRuns.Load()),
		Fallbacks:   int(e.fallbacks.Load()),
		Compiler:    e.compiler.Stats(),
		Interp:      e.interp.Stats(),
	}
}
