// Package compiler turns microcode blocks into loaded units: it builds the
// dataflow graph, allocates slots, derives fault handlers, emits the unit
// and caches it by name.
package compiler

import (
	"encoding/binary"
	"encoding/hex"
	"log"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/blake2b"

	"pcemu/pkg/exceptions"
	"pcemu/pkg/graph"
	"pcemu/pkg/microcode"
	"pcemu/pkg/unit"
	"pcemu/pkg/vm"
)

const (
	// DefaultMaxSlotUnits bounds the slots of one execute method.
	DefaultMaxSlotUnits = 1024
	// keyNameBytes is how much of the content hash goes into derived names.
	keyNameBytes = 12
)

// Loader materializes serialized units; *vm.Loader satisfies it.
type Loader interface {
	Exists(name string) (vm.CodeBlock, bool)
	Load(name string, data []byte) (vm.CodeBlock, error)
}

// Archiver receives the serialized bytes of every unit loaded while
// archiving is on.
type Archiver interface {
	Archive(name string, data []byte) error
}

// Key is the content hash of a block: BLAKE2b-256 over its microcode words,
// little endian.
func Key(microcodes []int32) [32]byte {
	buf := make([]byte, 4*len(microcodes))
	for i, w := range microcodes {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(w))
	}
	return blake2b.Sum256(buf)
}

// DefaultName is the name a block gets when the caller gives none.
func DefaultName(mode *Mode, key [32]byte) string {
	return mode.Name + "-" + hex.EncodeToString(key[:keyNameBytes])
}

type entry struct {
	key   contentKey
	block vm.CodeBlock
}

// contentKey identifies a block's arrays within one mode.
type contentKey struct {
	mode string
	sum  [32]byte
}

type archiving struct {
	a Archiver
}

type reportKey struct {
	mode string
	op   microcode.Op
}

// Compiler compiles blocks for any mode and caches the results. It is safe
// for concurrent use.
type Compiler struct {
	loader         Loader
	logger         *log.Logger
	maxSlotUnits   int
	maxMethodBytes int

	cache    *xsync.MapOf[string, *entry]
	byKey    *xsync.MapOf[contentKey, *entry]
	reported *xsync.MapOf[reportKey, struct{}]
	archiver atomic.Pointer[archiving]

	compiled  atomic.Int64
	hits      atomic.Int64
	failures  atomic.Int64
	codeBytes atomic.Int64
}

type Option func(*Compiler)

func WithLoader(l Loader) Option {
	return func(c *Compiler) { c.loader = l }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

func WithMaxSlotUnits(n int) Option {
	return func(c *Compiler) { c.maxSlotUnits = n }
}

func WithMaxMethodBytes(n int) Option {
	return func(c *Compiler) { c.maxMethodBytes = n }
}

// New creates a compiler. Without WithLoader it loads into a private
// vm.Loader linked against the default helpers.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		logger:         log.Default(),
		maxSlotUnits:   DefaultMaxSlotUnits,
		maxMethodBytes: unit.MaxMethodBytes,
		cache:          xsync.NewMapOf[string, *entry](),
		byKey:          xsync.NewMapOf[contentKey, *entry](),
		reported:       xsync.NewMapOf[reportKey, struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loader == nil {
		c.loader = vm.NewLoader(nil)
	}
	return c
}

// Compile materializes src and compiles it. An empty name is derived from
// the mode and the content hash.
func (c *Compiler) Compile(mode *Mode, src microcode.InstructionSource, name string) (vm.CodeBlock, error) {
	stream, err := microcode.Materialize(src)
	if err != nil {
		c.failures.Add(1)
		if errors.Is(err, microcode.ErrEmptyBlock) {
			return nil, WrapCompileError(EmptyBlock, name, err, "")
		}
		return nil, WrapCompileError(MalformedBlock, name, err, "")
	}
	return c.CompileStream(mode, stream, name)
}

// CompileStream compiles an already materialized block.
func (c *Compiler) CompileStream(mode *Mode, stream *microcode.Stream, name string) (vm.CodeBlock, error) {
	key := Key(stream.Microcodes)
	if name == "" {
		name = DefaultName(mode, key)
	}
	block, err := c.compile(mode, stream, key, name)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	return block, nil
}

func (c *Compiler) compile(mode *Mode, stream *microcode.Stream, sum [32]byte, name string) (vm.CodeBlock, error) {
	key := contentKey{mode: mode.Name, sum: sum}
	if block, ok, err := c.existing(name, key, stream); ok || err != nil {
		return block, err
	}
	if block, ok := c.alias(name, key, stream); ok {
		return block, nil
	}

	handlers := exceptions.NewBuilder()
	g, err := graph.Build(stream, mode.Table, handlers)
	if err != nil {
		var ue *graph.UnimplementedError
		if errors.As(err, &ue) {
			c.reportUnimplemented(mode, ue)
			return nil, WrapCompileError(UnimplementedMicrocode, name, err, "")
		}
		return nil, WrapCompileError(MalformedBlock, name, err, "")
	}
	if _, err := g.Allocate(c.maxSlotUnits); err != nil {
		c.logger.Printf("compile %s: %v", name, err)
		return nil, WrapCompileError(SlotExhaustion, name, err, "")
	}
	mod, err := emitUnit(mode, name, stream, g, handlers, c.maxMethodBytes)
	if err != nil {
		if errors.Is(err, unit.ErrOversize) {
			c.logger.Printf("compile %s: %v", name, err)
			return nil, WrapCompileError(OversizeUnit, name, err, "")
		}
		return nil, WrapCompileError(MalformedBlock, name, err, "emit")
	}
	data, err := mod.Bytes()
	if err != nil {
		return nil, WrapCompileError(MalformedBlock, name, err, "encode")
	}

	// The winner of the race for name loads and registers; a loser finds
	// the winner's entry and drops its own bytes.
	var result vm.CodeBlock
	var failure error
	loaded := false
	c.cache.Compute(name, func(old *entry, exists bool) (*entry, bool) {
		if exists {
			if !sameBlock(old.block, stream) {
				failure = CompileErrorf(NameCollision, name, "cached unit has different microcode")
				return old, false
			}
			result = old.block
			return old, false
		}
		block, err := c.loader.Load(name, data)
		if err != nil {
			failure = WrapCompileError(LoadFailure, name, err, "")
			return nil, true
		}
		result, loaded = block, true
		return &entry{key: key, block: block}, false
	})
	if loaded {
		c.byKey.LoadOrStore(key, &entry{key: key, block: result})
	}
	if failure != nil {
		if KindOf(failure) == LoadFailure {
			c.logger.Printf("compile %s: %v", name, failure)
		}
		return nil, failure
	}
	if !loaded {
		c.hits.Add(1)
		return result, nil
	}
	c.compiled.Add(1)
	c.codeBytes.Add(int64(len(data)))
	c.archive(name, data)
	return result, nil
}

// existing returns the unit already registered under name, from the cache or
// from the loader. A unit with different arrays is a collision.
func (c *Compiler) existing(name string, key contentKey, stream *microcode.Stream) (vm.CodeBlock, bool, error) {
	if e, ok := c.cache.Load(name); ok {
		if !sameBlock(e.block, stream) {
			return nil, false, CompileErrorf(NameCollision, name, "cached unit has different microcode")
		}
		c.hits.Add(1)
		return e.block, true, nil
	}
	block, ok := c.loader.Exists(name)
	if !ok {
		return nil, false, nil
	}
	if !sameBlock(block, stream) {
		return nil, false, CompileErrorf(NameCollision, name, "loaded unit has different microcode")
	}
	actual, _ := c.cache.LoadOrStore(name, &entry{key: key, block: block})
	c.byKey.LoadOrStore(key, actual)
	c.hits.Add(1)
	return actual.block, true, nil
}

// alias registers name for a unit already compiled from the same arrays in
// the same mode, so one content key never loads twice.
func (c *Compiler) alias(name string, key contentKey, stream *microcode.Stream) (vm.CodeBlock, bool) {
	e, ok := c.byKey.Load(key)
	if !ok || !sameBlock(e.block, stream) {
		return nil, false
	}
	actual, _ := c.cache.LoadOrStore(name, e)
	if !sameBlock(actual.block, stream) {
		return nil, false
	}
	c.hits.Add(1)
	return actual.block, true
}

func sameBlock(block vm.CodeBlock, stream *microcode.Stream) bool {
	return slices.Equal(block.Microcodes(), stream.Microcodes) && slices.Equal(block.Positions(), stream.Positions)
}

// reportUnimplemented logs each missing op once per mode.
func (c *Compiler) reportUnimplemented(mode *Mode, ue *graph.UnimplementedError) {
	if _, seen := c.reported.LoadOrStore(reportKey{mode: mode.Name, op: ue.Op}, struct{}{}); !seen {
		c.logger.Printf("%s mode: no lowering for %s, blocks using it will be interpreted", mode.Name, ue.Op)
	}
}

// Unimplemented lists the ops reported missing so far, as "mode/op".
func (c *Compiler) Unimplemented() []string {
	var out []string
	c.reported.Range(func(k reportKey, _ struct{}) bool {
		out = append(out, k.mode+"/"+k.op.String())
		return true
	})
	slices.Sort(out)
	return out
}

// Lookup returns the cached unit registered under name.
func (c *Compiler) Lookup(name string) (vm.CodeBlock, bool) {
	e, ok := c.cache.Load(name)
	if !ok {
		return nil, false
	}
	return e.block, true
}

// BeginArchiving sends every unit loaded from now on to a.
func (c *Compiler) BeginArchiving(a Archiver) {
	c.archiver.Store(&archiving{a: a})
}

func (c *Compiler) StopArchiving() {
	c.archiver.Store(nil)
}

func (c *Compiler) archive(name string, data []byte) {
	ar := c.archiver.Load()
	if ar == nil {
		return
	}
	if err := ar.a.Archive(name, data); err != nil {
		c.logger.Printf("archive %s: %v", name, err)
	}
}

// Stats returns compilation statistics
type Stats struct {
	UnitsCompiled int
	CacheHits     int
	Failures      int
	CodeBytes     int
	Cached        int
	Archiving     bool
}

func (c *Compiler) Stats() Stats {
	return Stats{
		UnitsCompiled: int(c.compiled.Load()),
		CacheHits:     int(c.hits.Load()),
		Failures:      int(c.failures.Load()),
		CodeBytes:     int(c.codeBytes.Load()),
		Cached:        c.cache.Size(),
		Archiving:     c.archiver.Load() != nil,
	}
}
