package processor

import "testing"

func TestElementClasses(t *testing.T) {
	if ElementCount != 47 {
		t.Fatalf("ElementCount = %d, want 47", ElementCount)
	}
	for e := Element(0); e < ElementCount; e++ {
		n := 0
		if e.Architectural() {
			n++
		}
		if e.Transient() {
			n++
		}
		if e.Pseudo() {
			n++
		}
		if n != 1 {
			t.Errorf("%s belongs to %d classes", e, n)
		}
		got, ok := ParseElement(e.String())
		if !ok || got != e {
			t.Errorf("ParseElement(%q) = %v, %v", e.String(), got, ok)
		}
	}
	for _, e := range []Element{CPU, ZERO, MEMORYWRITE, IOPORTWRITE, EXECUTECOUNT} {
		if e.Materializable() {
			t.Errorf("%s is materializable", e)
		}
	}
	if LONG0.Kind().Units() != 2 {
		t.Errorf("LONG0 units = %d, want 2", LONG0.Kind().Units())
	}
}

func TestStateGetSet(t *testing.T) {
	s := NewRealState(NewLinearMemory(16))
	s.Set(EBX, IntValue(0xdeadbeef))
	if got := s.Get(EBX).U32(); got != 0xdeadbeef {
		t.Errorf("EBX = 0x%x, want 0xdeadbeef", got)
	}
	s.Set(ZF, IntValue(7))
	if got := s.Get(ZF).U32(); got != 1 {
		t.Errorf("ZF = %d, want 1", got)
	}
	s.Set(IOPL, IntValue(7))
	if got := s.Get(IOPL).U32(); got != 3 {
		t.Errorf("IOPL = %d, want 3", got)
	}
	seg := NewRealSegment(0x40)
	s.Set(DS, RefValue(seg))
	if s.Get(DS).Segment() != seg {
		t.Errorf("DS not stored")
	}
	if s.Get(CPU).State() != s {
		t.Errorf("CPU does not reference the state")
	}
	if v := s.Get(REG0); v.Int != 0 || v.Ref != nil {
		t.Errorf("REG0 = %v, want zero", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("storing REG0 did not panic")
		}
	}()
	s.Set(REG0, IntValue(1))
}

func TestEFLAGSRoundTrip(t *testing.T) {
	s := &State{}
	s.SetEFLAGS(0x3246) // IOPL=3, IF, ZF, PF
	if s.Flags[ZF-CF] != 1 || s.Flags[IF-CF] != 1 || s.Flags[IOPL-CF] != 3 || s.Flags[CF-CF] != 0 {
		t.Fatalf("flags = %v", s.Flags)
	}
	if got := s.EFLAGS(); got != 0x3246 {
		t.Errorf("EFLAGS = 0x%x, want 0x3246", got)
	}
}

func TestLinearMemoryBounds(t *testing.T) {
	m := NewLinearMemory(8)
	if err := m.Write(4, 4, 0x11223344); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Read(5, 2); v != 0x2233 {
		t.Errorf("Read(5,2) = 0x%x, want 0x2233", v)
	}
	_, err := m.Read(6, 4)
	if f, ok := AsFault(err); !ok || f.Vector != VectorPageFault || f.Address != 6 {
		t.Errorf("Read(6,4) err = %v, want #PF at 6", err)
	}
}
