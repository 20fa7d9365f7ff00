package semantics

import (
	"testing"

	"pcemu/pkg/processor"
)

func call(t *testing.T, name string, args ...processor.Value) (processor.Value, error) {
	t.Helper()
	h, ok := Default().Lookup(name)
	if !ok {
		t.Fatalf("helper %s not registered", name)
	}
	if len(args) != h.Args {
		t.Fatalf("%s takes %d args, got %d", name, h.Args, len(args))
	}
	return h.Fn(args)
}

func ints(vs ...uint32) []processor.Value {
	out := make([]processor.Value, len(vs))
	for i, v := range vs {
		out[i] = processor.IntValue(v)
	}
	return out
}

func TestFlagHelpers(t *testing.T) {
	tests := []struct {
		helper string
		args   []uint32
		want   uint32
	}{
		// 0xff + 0x01 at 8 bits
		{"cf_add", []uint32{0x100, 0x01, 8}, 1},
		{"zf", []uint32{0x100, 8}, 1},
		{"af_add", []uint32{0x100, 0x01, 8}, 1},
		// 0x7f + 0x01 at 8 bits
		{"of_add", []uint32{0x80, 0x01, 8}, 1},
		{"sf", []uint32{0x80, 8}, 1},
		{"cf_add", []uint32{0x80, 0x01, 8}, 0},
		// 0x7fffffff + 1
		{"of_add", []uint32{0x80000000, 1, 32}, 1},
		{"cf_add", []uint32{0x80000000, 1, 32}, 0},
		// 0 - 1
		{"cf_sub", []uint32{0xffffffff, 1, 32}, 1},
		{"of_sub", []uint32{0xffffffff, 1, 32}, 0},
		// 0x80000000 - 1
		{"of_sub", []uint32{0x7fffffff, 1, 32}, 1},
		{"cf_sub", []uint32{0x7fffffff, 1, 32}, 0},
		{"af_sub", []uint32{0x0f, 1, 8}, 1},
		{"pf", []uint32{0x03}, 1},
		{"pf", []uint32{0x01}, 0},
		{"of_inc", []uint32{0x80000000}, 1},
		{"of_dec", []uint32{0x7fffffff}, 1},
		{"not1", []uint32{1}, 0},
	}
	for _, tt := range tests {
		got, err := call(t, tt.helper, ints(tt.args...)...)
		if err != nil {
			t.Errorf("%s%v error: %v", tt.helper, tt.args, err)
			continue
		}
		if got.U32() != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.helper, tt.args, got.U32(), tt.want)
		}
	}
}

func TestDivide(t *testing.T) {
	q, err := call(t, "divq32", processor.LongValue(100), processor.IntValue(7))
	if err != nil || q.U32() != 14 {
		t.Errorf("divq32(100, 7) = %d, %v; want 14", q.U32(), err)
	}
	r, err := call(t, "divr32", processor.LongValue(100), processor.IntValue(7))
	if err != nil || r.U32() != 2 {
		t.Errorf("divr32(100, 7) = %d, %v; want 2", r.U32(), err)
	}
	for _, tt := range []struct {
		dividend uint64
		divisor  uint32
	}{{1, 0}, {1 << 40, 2}} {
		_, err := call(t, "divq32", processor.LongValue(tt.dividend), processor.IntValue(tt.divisor))
		if f, ok := processor.AsFault(err); !ok || f.Vector != processor.VectorDivideError {
			t.Errorf("divq32(%d, %d) err = %v, want #DE", tt.dividend, tt.divisor, err)
		}
	}
}

func TestMemoryHelpers(t *testing.T) {
	mem := processor.NewLinearMemory(0x20000)
	cpu := processor.NewRealState(mem)
	seg := processor.RefValue(processor.NewRealSegment(0x1000))

	if _, err := call(t, "write32", processor.RefValue(cpu), seg, processor.IntValue(0x10), processor.IntValue(0xcafef00d)); err != nil {
		t.Fatal(err)
	}
	v, err := call(t, "read16", processor.RefValue(cpu), seg, processor.IntValue(0x12))
	if err != nil || v.U32() != 0xcafe {
		t.Errorf("read16 = 0x%x, %v; want 0xcafe", v.U32(), err)
	}
	_, err = call(t, "write32", processor.RefValue(cpu), seg, processor.IntValue(0xfffe), processor.IntValue(1))
	if f, ok := processor.AsFault(err); !ok || f.Vector != processor.VectorGeneralProtection {
		t.Errorf("write past limit err = %v, want #GP", err)
	}
	if _, err := call(t, "read8", processor.IntValue(0), seg, processor.IntValue(0)); err == nil {
		t.Error("read8 without cpu succeeded")
	}
}

func TestIOPrivilege(t *testing.T) {
	cpu := processor.NewRealState(processor.NewLinearMemory(16))
	ports := processor.NewPortLatch()
	cpu.IO = ports
	ports.Preset(0x60, 0x1234)

	v, err := call(t, "in8", processor.RefValue(cpu), processor.IntValue(0x60))
	if err != nil || v.U32() != 0x34 {
		t.Errorf("in8 = 0x%x, %v; want 0x34", v.U32(), err)
	}
	_, err = call(t, "out8_checked", processor.RefValue(cpu), processor.IntValue(0x80), processor.IntValue(1),
		processor.IntValue(3), processor.IntValue(0))
	if f, ok := processor.AsFault(err); !ok || f.Vector != processor.VectorGeneralProtection {
		t.Errorf("out8_checked at CPL3/IOPL0 err = %v, want #GP", err)
	}
	if len(ports.Writes) != 0 {
		t.Errorf("faulting OUT reached the bus: %v", ports.Writes)
	}
}

func TestRouteFault(t *testing.T) {
	cpu := processor.NewRealState(processor.NewLinearMemory(16))
	q := processor.NewFaultQueue(cpu)
	cpu.Faults = q
	f := processor.GeneralProtection(0)
	if _, err := call(t, "route_protected_fault", processor.RefValue(cpu), processor.RefValue(f)); err != nil {
		t.Fatal(err)
	}
	d, ok := q.Pending()
	if !ok || d.Fault != f || d.Mode != processor.ModeProtected {
		t.Errorf("pending = %+v, %v", d, ok)
	}
}

func TestRegistryClone(t *testing.T) {
	r := Default().Clone()
	calls := 0
	if err := r.Replace("add32", func(args []processor.Value) (processor.Value, error) {
		calls++
		return processor.IntValue(u32(args[0]) + u32(args[1])), nil
	}); err != nil {
		t.Fatal(err)
	}
	h, _ := r.Lookup("add32")
	h.Fn(ints(1, 2))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	orig, _ := Default().Lookup("add32")
	orig.Fn(ints(1, 2))
	if calls != 1 {
		t.Error("replacing a helper in a clone changed the default registry")
	}
	if err := r.Register(Helper{Name: "add32", Args: 2, Fn: h.Fn}); err == nil {
		t.Error("duplicate registration succeeded")
	}
}
