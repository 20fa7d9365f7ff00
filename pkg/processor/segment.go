package processor

import "fmt"

// Segment is a loaded segment or descriptor-table cache. Values are never
// mutated after construction, so a State can share them freely.
type Segment struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	DPL      uint32
	Present  bool
	Writable bool
	Code     bool
	// Stack marks a cache loaded into SS; limit violations raise #SS.
	Stack bool
	// Null marks a null selector loaded into a data segment register.
	Null bool
}

// NewRealSegment builds the cache real and virtual-8086 mode load for sel.
func NewRealSegment(sel uint16) *Segment {
	return &Segment{
		Selector: sel,
		Base:     uint32(sel) << 4,
		Limit:    0xffff,
		Present:  true,
		Writable: true,
	}
}

func (s *Segment) String() string {
	if s == nil {
		return "<nil segment>"
	}
	return fmt.Sprintf("%04x[base=%08x limit=%08x]", s.Selector, s.Base, s.Limit)
}

// Translate checks an access of size bytes at offset against the cache and
// returns the linear address.
func (s *Segment) Translate(offset uint32, size int, write bool) (uint32, error) {
	if s == nil || s.Null {
		return 0, GeneralProtection(0)
	}
	if !s.Present {
		return 0, SegmentNotPresent(s.Selector)
	}
	if write && !s.Writable {
		return 0, GeneralProtection(0)
	}
	if uint64(offset)+uint64(size)-1 > uint64(s.Limit) {
		if s.Stack {
			return 0, StackFault(0)
		}
		return 0, GeneralProtection(0)
	}
	return s.Base + offset, nil
}

// DecodeDescriptor unpacks an 8-byte GDT/LDT entry.
func DecodeDescriptor(sel uint16, lo, hi uint32) *Segment {
	base := lo>>16 | (hi&0xff)<<16 | hi&0xff000000
	limit := lo&0xffff | hi&0x000f0000
	if hi&(1<<23) != 0 {
		limit = limit<<12 | 0xfff
	}
	code := hi&(1<<11) != 0
	return &Segment{
		Selector: sel,
		Base:     base,
		Limit:    limit,
		DPL:      (hi >> 13) & 3,
		Present:  hi&(1<<15) != 0,
		Code:     code,
		Writable: !code && hi&(1<<9) != 0,
	}
}

// LoadDescriptor reads the descriptor for sel from the GDT or LDT and applies
// the protected-mode privilege checks for a data or stack segment load.
func LoadDescriptor(s *State, sel uint16, stack bool) (*Segment, error) {
	rpl := uint32(sel) & 3
	if sel&^3 == 0 {
		if stack {
			return nil, GeneralProtection(0)
		}
		return &Segment{Selector: sel, Null: true}, nil
	}
	table := s.Tables[GDTR-IDTR]
	if sel&4 != 0 {
		table = s.Tables[LDTR-IDTR]
	}
	code := uint32(sel) &^ 3
	if table == nil || uint32(sel&^7)+7 > table.Limit {
		return nil, GeneralProtection(code)
	}
	addr := table.Base + uint32(sel&^7)
	lo, err := s.Memory.Read(addr, 4)
	if err != nil {
		return nil, err
	}
	hi, err := s.Memory.Read(addr+4, 4)
	if err != nil {
		return nil, err
	}
	seg := DecodeDescriptor(sel, lo, hi)
	if hi&(1<<12) == 0 {
		// system descriptor
		return nil, GeneralProtection(code)
	}
	if stack {
		if rpl != s.CPL || seg.DPL != s.CPL || !seg.Writable {
			return nil, GeneralProtection(code)
		}
		if !seg.Present {
			return nil, StackFault(code)
		}
		seg.Stack = true
		return seg, nil
	}
	if seg.Code && hi&(1<<9) == 0 {
		// execute-only code segment
		return nil, GeneralProtection(code)
	}
	if max(rpl, s.CPL) > seg.DPL && !(seg.Code && hi&(1<<10) != 0) {
		return nil, GeneralProtection(code)
	}
	if !seg.Present {
		return nil, SegmentNotPresent(sel)
	}
	return seg, nil
}
