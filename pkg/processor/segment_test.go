package processor

import (
	"encoding/binary"
	"testing"
)

func TestRealSegmentTranslate(t *testing.T) {
	seg := NewRealSegment(0x1234)
	tests := []struct {
		offset uint32
		size   int
		want   uint32
		vector int
	}{
		{0, 1, 0x12340, -1},
		{0xfffc, 4, 0x12340 + 0xfffc, -1},
		{0xfffe, 4, 0, int(VectorGeneralProtection)},
		{0xffff, 1, 0x12340 + 0xffff, -1},
		{0x10000, 1, 0, int(VectorGeneralProtection)},
	}
	for _, tt := range tests {
		got, err := seg.Translate(tt.offset, tt.size, true)
		if tt.vector < 0 {
			if err != nil {
				t.Errorf("Translate(0x%x, %d) error: %v", tt.offset, tt.size, err)
				continue
			}
			if got != tt.want {
				t.Errorf("Translate(0x%x, %d) = 0x%x, want 0x%x", tt.offset, tt.size, got, tt.want)
			}
			continue
		}
		f, ok := AsFault(err)
		if !ok {
			t.Errorf("Translate(0x%x, %d) error = %v, want fault", tt.offset, tt.size, err)
			continue
		}
		if int(f.Vector) != tt.vector {
			t.Errorf("Translate(0x%x, %d) vector = %d, want %d", tt.offset, tt.size, f.Vector, tt.vector)
		}
	}
}

func TestStackSegmentRaisesStackFault(t *testing.T) {
	seg := NewRealSegment(0)
	seg.Stack = true
	_, err := seg.Translate(0xffff, 2, true)
	f, ok := AsFault(err)
	if !ok || f.Vector != VectorStackFault {
		t.Fatalf("err = %v, want #SS", err)
	}
}

func TestNullSegment(t *testing.T) {
	var seg *Segment
	if _, err := seg.Translate(0, 1, false); err == nil {
		t.Fatal("nil segment translated")
	}
	null := &Segment{Null: true}
	if _, err := null.Translate(0, 1, false); err == nil {
		t.Fatal("null segment translated")
	}
}

func TestDecodeDescriptor(t *testing.T) {
	// flat 4GiB writable data segment, DPL 0, present, granular
	lo, hi := uint32(0x0000ffff), uint32(0x00cf9200)
	seg := DecodeDescriptor(0x10, lo, hi)
	if seg.Base != 0 {
		t.Errorf("Base = 0x%x, want 0", seg.Base)
	}
	if seg.Limit != 0xffffffff {
		t.Errorf("Limit = 0x%x, want 0xffffffff", seg.Limit)
	}
	if !seg.Present || !seg.Writable || seg.Code {
		t.Errorf("flags = %+v, want present writable data", seg)
	}
}

func writeDescriptor(mem *LinearMemory, addr uint32, lo, hi uint32) {
	binary.LittleEndian.PutUint32(mem.Bytes()[addr:], lo)
	binary.LittleEndian.PutUint32(mem.Bytes()[addr+4:], hi)
}

func TestLoadDescriptor(t *testing.T) {
	mem := NewLinearMemory(0x10000)
	s := &State{Memory: mem, Mode: ModeProtected}
	s.Tables[GDTR-IDTR] = &Segment{Base: 0x1000, Limit: 0x2f, Present: true}
	writeDescriptor(mem, 0x1008, 0x0000ffff, 0x00cf9800) // execute-only code
	writeDescriptor(mem, 0x1010, 0x0000ffff, 0x00cf9200) // data DPL0
	writeDescriptor(mem, 0x1018, 0x0000ffff, 0x00cf1200) // data not present
	writeDescriptor(mem, 0x1020, 0x0000ffff, 0x00cff200) // data DPL3

	if seg, err := LoadDescriptor(s, 0x10, false); err != nil || seg.Limit != 0xffffffff {
		t.Fatalf("load data = %v, %v", seg, err)
	}
	if seg, err := LoadDescriptor(s, 0x10, true); err != nil || !seg.Stack {
		t.Fatalf("load stack = %v, %v", seg, err)
	}
	if seg, err := LoadDescriptor(s, 0, false); err != nil || !seg.Null {
		t.Fatalf("load null = %v, %v", seg, err)
	}

	tests := []struct {
		name   string
		sel    uint16
		stack  bool
		cpl    uint32
		vector uint8
	}{
		{"null stack", 0, true, 0, VectorGeneralProtection},
		{"beyond limit", 0x30, false, 0, VectorGeneralProtection},
		{"not present", 0x18, false, 0, VectorSegmentNotPresent},
		{"privilege", 0x10, false, 3, VectorGeneralProtection},
		{"stack dpl mismatch", 0x23, true, 0, VectorGeneralProtection},
		{"execute-only code", 0x08, false, 0, VectorGeneralProtection},
	}
	for _, tt := range tests {
		s.CPL = tt.cpl
		_, err := LoadDescriptor(s, tt.sel, tt.stack)
		f, ok := AsFault(err)
		if !ok {
			t.Errorf("%s: err = %v, want fault", tt.name, err)
			continue
		}
		if f.Vector != tt.vector {
			t.Errorf("%s: vector = %d, want %d", tt.name, f.Vector, tt.vector)
		}
	}
}
