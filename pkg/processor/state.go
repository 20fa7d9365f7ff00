package processor

import "fmt"

// Value is what microcode computes with: scalars live in Int (32-bit values
// zero-extended, LONG0 uses all 64 bits), segment caches and the CPU
// reference live in Ref.
type Value struct {
	Int uint64
	Ref any
}

func IntValue(v uint32) Value {
	return Value{Int: uint64(v)}
}

func LongValue(v uint64) Value {
	return Value{Int: v}
}

func RefValue(r any) Value {
	return Value{Ref: r}
}

func (v Value) U32() uint32 {
	return uint32(v.Int)
}

// Segment returns the segment cache held by v, or nil.
func (v Value) Segment() *Segment {
	s, _ := v.Ref.(*Segment)
	return s
}

// State returns the CPU reference held by v, or nil.
func (v Value) State() *State {
	s, _ := v.Ref.(*State)
	return s
}

func (v Value) String() string {
	switch r := v.Ref.(type) {
	case nil:
		return fmt.Sprintf("0x%x", v.Int)
	case *Segment:
		return r.String()
	case *State:
		return "cpu"
	default:
		return fmt.Sprintf("%v", r)
	}
}

// State is the virtual CPU a compiled block runs against.
type State struct {
	GPR   [8]uint32
	EIP   uint32
	Flags [ID - CF + 1]uint32
	// Segments holds ES, CS, SS, DS, FS, GS in element order.
	Segments [6]*Segment
	// Tables holds IDTR, GDTR, LDTR, TR.
	Tables [4]*Segment
	CPL    uint32
	Mode   Mode

	Memory Memory
	IO     IOBus
	Faults FaultRouter

	// Retired counts instructions whose INSTRUCTION_RETIRED marker ran.
	Retired uint64
}

// NewRealState returns a reset processor in real mode with every segment at
// selector zero.
func NewRealState(mem Memory) *State {
	s := &State{Memory: mem, Mode: ModeReal}
	for i := range s.Segments {
		s.Segments[i] = NewRealSegment(0)
	}
	s.Segments[SS-ES].Stack = true
	s.Tables[IDTR-IDTR] = &Segment{Present: true, Limit: 0x3ff}
	return s
}

// Get reads an element. Transient elements and effect markers read as zero.
func (s *State) Get(e Element) Value {
	switch {
	case e <= EDI:
		return IntValue(s.GPR[e])
	case e == EIP:
		return IntValue(s.EIP)
	case e.IsFlag():
		return IntValue(s.Flags[e-CF])
	case e.IsSegment():
		return RefValue(s.Segments[e-ES])
	case e >= IDTR && e <= TR:
		return RefValue(s.Tables[e-IDTR])
	case e == CPL:
		return IntValue(s.CPL)
	case e == CPU:
		return RefValue(s)
	}
	return Value{}
}

// Set writes an architectural element. Writing anything else is a bug in the
// caller.
func (s *State) Set(e Element, v Value) {
	switch {
	case e <= EDI:
		s.GPR[e] = v.U32()
	case e == EIP:
		s.EIP = v.U32()
	case e == IOPL:
		s.Flags[e-CF] = v.U32() & 3
	case e.IsFlag():
		s.Flags[e-CF] = v.U32() & 1
	case e.IsSegment():
		s.Segments[e-ES] = v.Segment()
	case e >= IDTR && e <= TR:
		s.Tables[e-IDTR] = v.Segment()
	case e == CPL:
		s.CPL = v.U32() & 3
	default:
		panic(fmt.Sprintf("processor: cannot store to %s", e))
	}
}

// Clone copies the register file. Buses and the fault router are shared;
// segment caches are immutable and shared by pointer.
func (s *State) Clone() *State {
	c := *s
	return &c
}

var eflagsBits = [ID - CF + 1]uint{
	CF - CF: 0, PF - CF: 2, AF - CF: 4, ZF - CF: 6, SF - CF: 7, TF - CF: 8,
	IF - CF: 9, DF - CF: 10, OF - CF: 11, IOPL - CF: 12, NT - CF: 14,
	RF - CF: 16, VM - CF: 17, AC - CF: 18, VIF - CF: 19, VIP - CF: 20, ID - CF: 21,
}

// EFLAGS packs the individual flag elements into the architectural register
// layout, with the reserved bit 1 set.
func (s *State) EFLAGS() uint32 {
	v := uint32(2)
	for i, bit := range eflagsBits {
		v |= s.Flags[i] << bit
	}
	return v
}

// SetEFLAGS is the inverse of EFLAGS.
func (s *State) SetEFLAGS(v uint32) {
	for i, bit := range eflagsBits {
		mask := uint32(1)
		if Element(i)+CF == IOPL {
			mask = 3
		}
		s.Flags[i] = (v >> bit) & mask
	}
}
