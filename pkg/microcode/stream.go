package microcode

import (
	"github.com/cockroachdb/errors"
)

// InstructionSource yields the decoded microcode of a basic block, one x86
// instruction at a time.
type InstructionSource interface {
	// Reset rewinds to the first instruction.
	Reset()
	// Advance moves to the next instruction and reports whether one exists.
	Advance() bool
	// MicrocodeCount is the number of words the current instruction yields,
	// immediates included.
	MicrocodeCount() int
	// X86ByteLength is the encoded length of the current instruction.
	X86ByteLength() int
	NextMicrocode() int32
}

var (
	ErrEmptyBlock         = errors.New("block contains no instructions")
	ErrTruncatedImmediate = errors.New("immediate-bearing microcode at end of instruction")
)

// Record is one microcode op together with its payload and the position of
// the instruction that owns it.
type Record struct {
	Op           Op
	Immediate    int32
	HasImmediate bool
	// Position is the cumulative byte offset just past the owning instruction.
	Position int
	// Start is the byte offset at which the owning instruction begins.
	Start int
	// Index counts the instructions before the owning one.
	Index int
}

// Stream is a fully drawn instruction source.
type Stream struct {
	Records []Record
	// Microcodes holds every word in the order it was drawn; Positions holds
	// the owning instruction's Position for each word.
	Microcodes []int32
	Positions  []int32
	X86Length  int
	X86Count   int
}

// Materialize draws src to the end. It resets the source first and may be
// called repeatedly on the same source.
func Materialize(src InstructionSource) (*Stream, error) {
	s := &Stream{}
	src.Reset()
	for src.Advance() {
		start := s.X86Length
		s.X86Length += src.X86ByteLength()
		n := src.MicrocodeCount()
		for i := 0; i < n; i++ {
			word := src.NextMicrocode()
			s.Microcodes = append(s.Microcodes, word)
			s.Positions = append(s.Positions, int32(s.X86Length))
			rec := Record{
				Op:       OpOf(word),
				Position: s.X86Length,
				Start:    start,
				Index:    s.X86Count,
			}
			if rec.Op.HasImmediate() {
				if i+1 >= n {
					return nil, errors.Wrapf(ErrTruncatedImmediate, "%s in instruction %d", rec.Op, s.X86Count)
				}
				i++
				rec.Immediate = src.NextMicrocode()
				rec.HasImmediate = true
				s.Microcodes = append(s.Microcodes, rec.Immediate)
				s.Positions = append(s.Positions, int32(s.X86Length))
			}
			s.Records = append(s.Records, rec)
		}
		s.X86Count++
	}
	if s.X86Count == 0 {
		return nil, ErrEmptyBlock
	}
	return s, nil
}

// Instruction is one decoded x86 instruction: its encoded length and its
// microcode words.
type Instruction struct {
	Length int
	Words  []int32
}

// SliceSource replays a fixed instruction list.
type SliceSource struct {
	Instructions []Instruction
	cur          int
	word         int
}

func NewSliceSource(instrs ...Instruction) *SliceSource {
	s := &SliceSource{Instructions: instrs}
	s.Reset()
	return s
}

func (s *SliceSource) Reset() {
	s.cur = -1
	s.word = 0
}

func (s *SliceSource) Advance() bool {
	if s.cur+1 >= len(s.Instructions) {
		s.cur = len(s.Instructions)
		return false
	}
	s.cur++
	s.word = 0
	return true
}

func (s *SliceSource) MicrocodeCount() int {
	return len(s.Instructions[s.cur].Words)
}

func (s *SliceSource) X86ByteLength() int {
	return s.Instructions[s.cur].Length
}

func (s *SliceSource) NextMicrocode() int32 {
	w := s.Instructions[s.cur].Words[s.word]
	s.word++
	return w
}
