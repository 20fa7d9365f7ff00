package exceptions

import (
	"testing"

	"pcemu/pkg/graph"
	"pcemu/pkg/lowering"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

func build(t *testing.T, listing string) (*graph.Graph, *Builder) {
	t.Helper()
	s, err := microcode.Materialize(microcode.MustAssemble(listing))
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder()
	g, err := graph.Build(s, lowering.Real(), b)
	if err != nil {
		t.Fatal(err)
	}
	return g, b
}

func TestOneHandlerPerInstruction(t *testing.T) {
	g, b := build(t, `
		2: LOAD0_ID 7 STORE0_ECX EIP_UPDATE
		3: LOAD0_EAX LOAD_SEG_DS MEM_RESET ADDR_IB 0x10 STORE0_MEM_DWORD LOAD1_MEM_DWORD EIP_UPDATE
		2: LOAD0_MEM_DWORD STORE0_EDX EIP_UPDATE
	`)
	hs := b.Handlers()
	if len(hs) != 2 {
		t.Fatalf("handlers = %d, want 2", len(hs))
	}
	if hs[0].Index != 1 || hs[0].Start != 2 || hs[0].EIPBase != 2 {
		t.Errorf("handler 0 = %s base %d", hs[0], hs[0].EIPBase)
	}
	if hs[1].Index != 2 || hs[1].Start != 5 || hs[1].EIPBase != 5 {
		t.Errorf("handler 1 = %s base %d", hs[1], hs[1].EIPBase)
	}
	for _, n := range g.Nodes {
		if !n.CanFault() {
			continue
		}
		if want := n.Record.Index - 1; n.HandlerID != want {
			t.Errorf("%s handler = %d, want %d", n, n.HandlerID, want)
		}
	}

	for _, h := range hs {
		r := h.Restores()
		if len(r) != 1 || r[0].Element != processor.ECX {
			t.Errorf("handler %d restores %v, want ECX", h.ID, r)
		}
		if h.RollbackDelta() != 0 {
			t.Errorf("handler %d delta = %d, want 0", h.ID, h.RollbackDelta())
		}
		if h.EIP() == nil || h.EIP().Initial() {
			t.Errorf("handler %d EIP = %v, want the first fold", h.ID, h.EIP())
		}
	}
}

func TestSnapshotOrder(t *testing.T) {
	_, b := build(t, "2: LOAD0_EAX STORE0_EBX | 3: LOAD_SEG_DS MEM_RESET LOAD0_MEM_DWORD EIP_UPDATE")
	h := b.Handlers()[0]

	arch := 0
	for e := processor.Element(0); e < processor.ElementCount; e++ {
		if e.Architectural() {
			arch++
		}
	}
	if len(h.Snapshot) != arch {
		t.Fatalf("snapshot has %d entries, want %d", len(h.Snapshot), arch)
	}
	for i := 1; i < len(h.Snapshot); i++ {
		if h.Snapshot[i-1].Node.ID > h.Snapshot[i].Node.ID {
			t.Fatalf("snapshot out of creation order at %d", i)
		}
	}
	// EBX was written by the previous instruction so it sorts last
	if last := h.Snapshot[len(h.Snapshot)-1]; last.Element != processor.EBX {
		t.Errorf("last entry = %s, want EBX", last.Element)
	}
	if !h.EIP().Initial() {
		t.Error("EIP folded before the faulting instruction")
	}
	if h.RollbackDelta() != 2 {
		t.Errorf("delta = %d, want 2", h.RollbackDelta())
	}
}

func TestCover(t *testing.T) {
	_, b := build(t, `
		3: LOAD_SEG_DS MEM_RESET LOAD0_MEM_DWORD EIP_UPDATE
		3: LOAD_SEG_DS MEM_RESET LOAD1_MEM_DWORD EIP_UPDATE
	`)
	if len(b.Live()) != 0 {
		t.Fatal("handlers live before any cover")
	}
	b.Cover(0, 10, 20)
	b.Cover(0, 5, 8)
	b.Cover(1, 30, 30)
	h := b.Handlers()[0]
	if h.Min != 5 || h.Max != 20 {
		t.Errorf("range = [%d,%d), want [5,20)", h.Min, h.Max)
	}
	live := b.Live()
	if len(live) != 1 || live[0] != h {
		t.Errorf("live = %v, want handler 0 only", live)
	}
}
