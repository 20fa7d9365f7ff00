package graph

import (
	"testing"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/lowering"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

const scenario = `
	5: LOAD0_ID 5 STORE0_EAX
	2: LOAD0_EAX LOAD1_EBX ADD STORE0_EAX
	6: LOAD0_EAX LOAD_SEG_DS MEM_RESET ADDR_ID 0x100 STORE0_MEM_DWORD EIP_UPDATE
`

func build(t *testing.T, listing string, tracker FaultTracker) *Graph {
	t.Helper()
	s, err := microcode.Materialize(microcode.MustAssemble(listing))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	g, err := Build(s, lowering.Real(), tracker)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestScenarioSlots(t *testing.T) {
	g := build(t, scenario, nil)
	if len(g.Effects) != 1 || g.Effects[0].Element != processor.MEMORYWRITE {
		t.Fatalf("effects = %v, want one MEMORYWRITE", g.Effects)
	}
	changed := g.Changed()
	if len(changed) != 2 || changed[0] != processor.EAX || changed[1] != processor.EIP {
		t.Fatalf("changed = %v, want [EAX EIP]", changed)
	}
	units, err := g.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if units != 1 {
		t.Fatalf("units = %d, want 1", units)
	}
	slotted := g.Slotted()
	if len(slotted) != 1 || slotted[0] != g.Final[processor.EAX] {
		t.Fatalf("slotted = %v, want the final EAX", slotted)
	}
	if g.Initial[processor.CPU].Slot != -1 {
		t.Error("CPU was given a slot")
	}
}

func TestWithinRecordOrdering(t *testing.T) {
	// MUL writes LONG0 from REG0 and REG1, STORE_EDX_EAX writes both
	// halves from the same LONG0
	g := build(t, "2: LOAD0_EAX LOAD1_EBX MUL_O32 STORE_EDX_EAX", nil)
	eax, edx := g.Final[processor.EAX], g.Final[processor.EDX]
	if eax.Inputs[0] != edx.Inputs[0] || eax.Inputs[0].Element != processor.LONG0 {
		t.Fatal("EAX and EDX do not share the product")
	}
	units, err := g.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if units != 2 {
		t.Errorf("units = %d, want 2 for the shared long", units)
	}
	if g.SlotKinds[0] != processor.KindLong || g.SlotKinds[1] != processor.KindVoid {
		t.Errorf("slot kinds = %v", g.SlotKinds)
	}

	// both DIV fragments read the LONG0/REG1 of the record start
	g = build(t, "2: LOAD_EDX_EAX LOAD1_ECX DIV_O32 STORE0_EAX STORE1_EDX", nil)
	q, r := g.Final[processor.EAX].Inputs[0], g.Final[processor.EDX].Inputs[0]
	if q.Inputs[1] != r.Inputs[1] {
		t.Error("quotient and remainder read different divisors")
	}
}

func TestEIPBase(t *testing.T) {
	g := build(t, "3: LOAD0_EAX STORE0_EBX EIP_UPDATE | 2: LOAD0_ECX STORE0_EDX EIP_UPDATE", nil)
	first := g.Final[processor.EIP].Inputs[0]
	if first.Initial() {
		t.Fatal("EIP chain too short")
	}
	if got := first.Env().X86Length; got != 3 {
		t.Errorf("first fold length = %d, want 3", got)
	}
	if got := g.Final[processor.EIP].Env().X86Length; got != 2 {
		t.Errorf("second fold length = %d, want 2", got)
	}
	if g.Final[processor.EBX].EIPBase != 0 || g.Final[processor.EDX].EIPBase != 3 {
		t.Errorf("bases = %d/%d, want 0/3", g.Final[processor.EBX].EIPBase, g.Final[processor.EDX].EIPBase)
	}
}

func TestUnimplemented(t *testing.T) {
	s, err := microcode.Materialize(microcode.MustAssemble("1: LOAD0_EAX | 1: RET_O32"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Build(s, lowering.Real(), nil)
	var ue *UnimplementedError
	if !errors.As(err, &ue) || ue.Op != microcode.RET_O32 || ue.Index != 1 {
		t.Fatalf("err = %v, want unimplemented RET_O32 at 1", err)
	}
}

func TestSlotExhaustion(t *testing.T) {
	g := build(t, scenario, nil)
	if _, err := g.Allocate(0); !errors.Is(err, ErrSlotExhaustion) {
		t.Fatalf("err = %v, want ErrSlotExhaustion", err)
	}
}

type recorder struct {
	calls []*Node
	bases []int
}

func (r *recorder) Track(n *Node, start *Producers, base int) int {
	r.calls = append(r.calls, n)
	r.bases = append(r.bases, base)
	return len(r.calls) - 1
}

func TestFaultTracking(t *testing.T) {
	rec := &recorder{}
	g := build(t, scenario, rec)
	if len(rec.calls) != 1 || rec.calls[0] != g.Effects[0] {
		t.Fatalf("tracked %v, want the memory write", rec.calls)
	}
	if g.Effects[0].HandlerID != 0 {
		t.Errorf("HandlerID = %d, want 0", g.Effects[0].HandlerID)
	}
}
