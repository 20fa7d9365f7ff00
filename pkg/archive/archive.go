// Package archive keeps the serialized units a compiler produced, so a later
// run can reload them without compiling. Units are erasure coded across
// shards in a pebble database and survive the loss or corruption of up to
// ParityShards shards each.
package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"

	"pcemu/pkg/compiler"
)

const (
	DataShards   = 4
	ParityShards = 2

	metaPrefix  = "m/"
	shardPrefix = "u/"
)

var (
	ErrNotArchived = errors.New("unit not archived")
	ErrDamaged     = errors.New("archived unit cannot be recovered")
)

// Entry describes one archived unit.
type Entry struct {
	Name    string
	Session uuid.UUID
	Size    int
	Sum     [32]byte
}

// meta layout: session(16) size(4 LE) sum(32) then one sum(32) per shard
const metaSize = 16 + 4 + 32 + (DataShards+ParityShards)*32

type meta struct {
	Entry
	shards [DataShards + ParityShards][32]byte
}

func (m *meta) encode() []byte {
	buf := make([]byte, 0, metaSize)
	buf = append(buf, m.Session[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Size))
	buf = append(buf, m.Sum[:]...)
	for _, s := range m.shards {
		buf = append(buf, s[:]...)
	}
	return buf
}

func decodeMeta(name string, b []byte) (*meta, error) {
	if len(b) != metaSize {
		return nil, errors.Wrapf(ErrDamaged, "%s: metadata is %d bytes", name, len(b))
	}
	m := &meta{Entry: Entry{Name: name}}
	copy(m.Session[:], b[:16])
	m.Size = int(binary.LittleEndian.Uint32(b[16:20]))
	copy(m.Sum[:], b[20:52])
	for i := range m.shards {
		copy(m.shards[i][:], b[52+32*i:])
	}
	return m, nil
}

// Archive is a unit store. It satisfies compiler.Archiver and is safe for
// concurrent use.
type Archive struct {
	db      *pebble.DB
	enc     reedsolomon.Encoder
	session uuid.UUID

	mu sync.Mutex
}

// Open opens or creates an archive in dir.
func Open(dir string) (*Archive, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory creates an archive that lives only as long as the process.
func OpenInMemory() (*Archive, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Archive, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, errors.Wrap(err, "create erasure coder")
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %q", dir)
	}
	return &Archive{db: db, enc: enc, session: uuid.New()}, nil
}

// Session identifies this opening of the archive; every unit archived
// through it records the session.
func (a *Archive) Session() uuid.UUID { return a.session }

func metaKey(name string) []byte {
	return []byte(metaPrefix + name)
}

func shardKey(name string, i int) []byte {
	return append([]byte(shardPrefix+name+"/"), byte(i))
}

// Archive stores data under name, replacing any earlier unit of that name.
func (a *Archive) Archive(name string, data []byte) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return errors.Newf("archive: bad unit name %q", name)
	}
	if len(data) == 0 {
		return errors.Newf("archive %s: empty unit", name)
	}
	// Split may use spare capacity, so it gets a private copy
	shards, err := a.enc.Split(append([]byte(nil), data...))
	if err != nil {
		return errors.Wrapf(err, "archive %s", name)
	}
	if err := a.enc.Encode(shards); err != nil {
		return errors.Wrapf(err, "archive %s", name)
	}

	m := &meta{Entry: Entry{Name: name, Session: a.session, Size: len(data), Sum: blake2b.Sum256(data)}}
	for i, s := range shards {
		m.shards[i] = blake2b.Sum256(s)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.db.NewBatch()
	defer batch.Close()
	for i, s := range shards {
		if err := batch.Set(shardKey(name, i), s, nil); err != nil {
			return errors.Wrapf(err, "archive %s", name)
		}
	}
	if err := batch.Set(metaKey(name), m.encode(), nil); err != nil {
		return errors.Wrapf(err, "archive %s", name)
	}
	return errors.Wrapf(batch.Commit(pebble.Sync), "archive %s", name)
}

func (a *Archive) get(key []byte) ([]byte, error) {
	v, closer, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (a *Archive) meta(name string) (*meta, error) {
	b, err := a.get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotArchived, "%s", name)
	}
	if err != nil {
		return nil, err
	}
	return decodeMeta(name, b)
}

// Read returns the unit archived under name. Missing or corrupt shards are
// rebuilt from the others.
func (a *Archive) Read(name string) ([]byte, error) {
	m, err := a.meta(name)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, DataShards+ParityShards)
	lost := 0
	for i := range shards {
		s, err := a.get(shardKey(name, i))
		switch {
		case errors.Is(err, pebble.ErrNotFound):
			lost++
		case err != nil:
			return nil, err
		case blake2b.Sum256(s) != m.shards[i]:
			lost++
		default:
			shards[i] = s
		}
	}
	if lost > ParityShards {
		return nil, errors.Wrapf(ErrDamaged, "%s: %d shards lost", name, lost)
	}
	if lost > 0 {
		if err := a.enc.ReconstructData(shards); err != nil {
			return nil, errors.Wrapf(ErrDamaged, "%s: %v", name, err)
		}
	}
	var buf bytes.Buffer
	if err := a.enc.Join(&buf, shards, m.Size); err != nil {
		return nil, errors.Wrapf(ErrDamaged, "%s: %v", name, err)
	}
	if blake2b.Sum256(buf.Bytes()) != m.Sum {
		return nil, errors.Wrapf(ErrDamaged, "%s: checksum mismatch", name)
	}
	return buf.Bytes(), nil
}

// Entries lists the archived units in name order.
func (a *Archive) Entries() ([]Entry, error) {
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: []byte("m0"),
	})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(metaPrefix):])
		m, err := decodeMeta(name, iter.Value())
		if err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, m.Entry)
	}
	return out, iter.Close()
}

// Names lists the archived unit names in order.
func (a *Archive) Names() ([]string, error) {
	entries, err := a.Entries()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// Restore loads every archived unit l does not already hold and returns how
// many were loaded. A unit that cannot be read or loaded stops the restore.
func (a *Archive) Restore(l compiler.Loader) (int, error) {
	names, err := a.Names()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if _, ok := l.Exists(name); ok {
			continue
		}
		data, err := a.Read(name)
		if err != nil {
			return n, err
		}
		if _, err := l.Load(name, data); err != nil {
			return n, errors.Wrapf(err, "restore %s", name)
		}
		n++
	}
	return n, nil
}

// Export writes the unit archived under name to w.
func (a *Archive) Export(name string, w io.Writer) error {
	data, err := a.Read(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (a *Archive) Close() error {
	return a.db.Close()
}

var _ compiler.Archiver = (*Archive)(nil)
