package interp

import (
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/graph"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
)

func newState() (*processor.State, *processor.LinearMemory, *processor.FaultQueue) {
	mem := processor.NewLinearMemory(0x20000)
	s := processor.NewRealState(mem)
	q := processor.NewFaultQueue(s)
	s.Faults = q
	return s, mem, q
}

func TestRunScenario(t *testing.T) {
	s, mem, q := newState()
	s.GPR[processor.EBX] = 3
	s.EIP = 0x100

	n, err := New(nil).Run(processor.ModeReal, microcode.MustAssemble(`
		5: LOAD0_ID 5 STORE0_EAX
		2: LOAD0_EAX LOAD1_EBX ADD STORE0_EAX
		6: LOAD0_EAX LOAD_SEG_DS MEM_RESET ADDR_ID 0x100 STORE0_MEM_DWORD EIP_UPDATE
	`), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 3 {
		t.Errorf("completed %d instructions, want 3", n)
	}
	if s.GPR[processor.EAX] != 8 {
		t.Errorf("EAX = %d, want 8", s.GPR[processor.EAX])
	}
	if got := binary.LittleEndian.Uint32(mem.Bytes()[0x100:]); got != 8 {
		t.Errorf("mem[0x100] = %d, want 8", got)
	}
	if s.EIP != 0x100+13 {
		t.Errorf("EIP = %#x, want %#x", s.EIP, 0x100+13)
	}
	if len(q.Delivered) != 0 {
		t.Errorf("faults = %v, want none", q.Delivered)
	}
}

func TestRollback(t *testing.T) {
	s, _, q := newState()
	s.GPR[processor.EAX] = 7
	s.EIP = 0x200

	// the read in the second instruction crosses the DS limit
	n, err := New(nil).Run(processor.ModeReal, microcode.MustAssemble(`
		5: LOAD0_ID 9 STORE0_ECX EIP_UPDATE
		5: LOAD0_ID 1 STORE0_EBX LOAD_SEG_DS MEM_RESET ADDR_ID 0xfffe LOAD0_MEM_DWORD STORE0_EAX EIP_UPDATE
	`), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("completed %d instructions, want 1", n)
	}
	if s.GPR[processor.ECX] != 9 {
		t.Errorf("ECX = %d, want 9 from the completed instruction", s.GPR[processor.ECX])
	}
	if s.GPR[processor.EBX] != 0 || s.GPR[processor.EAX] != 7 {
		t.Errorf("EBX, EAX = %d, %d, want the faulting instruction undone", s.GPR[processor.EBX], s.GPR[processor.EAX])
	}
	if s.EIP != 0x205 {
		t.Errorf("EIP = %#x, want 0x205", s.EIP)
	}
	f, ok := q.Pending()
	if !ok || f.Fault.Vector != processor.VectorGeneralProtection || f.EIP != 0x205 {
		t.Errorf("pending fault = %+v, %v, want #GP at 0x205", f, ok)
	}
}

func TestUnroutedFault(t *testing.T) {
	reg := semantics.Default().Clone()
	if err := reg.Replace("not32", func([]processor.Value) (processor.Value, error) {
		return processor.Value{}, processor.GeneralProtection(0)
	}); err != nil {
		t.Fatal(err)
	}
	s, _, q := newState()
	s.GPR[processor.EAX] = 1

	_, err := New(reg).Run(processor.ModeReal, microcode.MustAssemble("2: LOAD0_EAX NOT STORE0_EAX EIP_UPDATE"), s)
	if _, ok := processor.AsFault(err); !ok {
		t.Fatalf("err = %v, want the fault returned", err)
	}
	if s.GPR[processor.EAX] != 1 || s.EIP != 0 {
		t.Error("state changed by an unrouted fault")
	}
	if len(q.Delivered) != 0 {
		t.Error("unrouted fault was delivered")
	}
}

func TestUnimplemented(t *testing.T) {
	s, _, _ := newState()
	_, err := New(nil).Run(processor.ModeReal, microcode.MustAssemble("1: LOAD0_EAX | 1: RET_O32"), s)
	var ue *graph.UnimplementedError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnimplementedError", err)
	}
	if ue.Op != microcode.RET_O32 || ue.Index != 1 {
		t.Errorf("unimplemented = %s at %d, want RET_O32 at 1", ue.Op, ue.Index)
	}
}

func TestRecordReadsPriorValues(t *testing.T) {
	s, mem, _ := newState()
	s.GPR[processor.ESP] = 0x100
	s.GPR[processor.EAX] = 0xdeadbeef

	// the store address is computed from ESP before the record moves it
	_, err := New(nil).Run(processor.ModeReal, microcode.MustAssemble("1: LOAD0_EAX PUSH_O32"), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.GPR[processor.ESP] != 0xfc {
		t.Errorf("ESP = %#x, want 0xfc", s.GPR[processor.ESP])
	}
	if got := binary.LittleEndian.Uint32(mem.Bytes()[0xfc:]); got != 0xdeadbeef {
		t.Errorf("mem[0xfc] = %#x, want 0xdeadbeef", got)
	}
}

func TestStats(t *testing.T) {
	it := New(nil)
	s, _, _ := newState()
	for i := 0; i < 3; i++ {
		if _, err := it.Run(processor.ModeReal, microcode.MustAssemble("1: LOAD0_EAX INC STORE0_EAX EIP_UPDATE | 1: EIP_UPDATE"), s); err != nil {
			t.Fatal(err)
		}
	}
	if st := it.Stats(); st.Blocks != 3 || st.Instructions != 6 {
		t.Errorf("stats = %+v, want 3 blocks, 6 instructions", st)
	}
	if s.GPR[processor.EAX] != 3 || s.EIP != 6 {
		t.Errorf("EAX, EIP = %d, %d, want 3, 6", s.GPR[processor.EAX], s.EIP)
	}
}
