package fragment

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		op     microcode.Op
		target processor.Element
		inputs []processor.Element
		effect bool
		fault  bool
	}{
		{"pure_ADD_REG0_REG0_REG1", microcode.ADD, processor.REG0, []processor.Element{processor.REG0, processor.REG1}, false, false},
		{"pure_ADD_O32_FLAGS_CF_REG0_REG1", microcode.ADD_O32_FLAGS, processor.CF, []processor.Element{processor.REG0, processor.REG1}, false, false},
		{"pure_STORE_EDX_EAX_EDX_LONG0", microcode.STORE_EDX_EAX, processor.EDX, []processor.Element{processor.LONG0}, false, false},
		{"effect_OUT_O8_IOPORTWRITE_CPU_REG1_REG0", microcode.OUT_O8, processor.IOPORTWRITE, []processor.Element{processor.CPU, processor.REG1, processor.REG0}, true, false},
		{"fault_STORE0_DS_DS_CPU_REG0", microcode.STORE0_DS, processor.DS, []processor.Element{processor.CPU, processor.REG0}, true, true},
		{"pure_CLC_CF", microcode.CLC, processor.CF, []processor.Element{}, false, false},
	}
	for _, tt := range tests {
		f, err := Parse(tt.name)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.name, err)
			continue
		}
		if f.Op != tt.op || f.Target != tt.target {
			t.Errorf("Parse(%q) = %s -> %s, want %s -> %s", tt.name, f.Op, f.Target, tt.op, tt.target)
		}
		if diff := cmp.Diff(tt.inputs, f.Inputs); diff != "" {
			t.Errorf("Parse(%q) inputs (-want +got):\n%s", tt.name, diff)
		}
		if f.HasExternalEffect != tt.effect || f.CanFault != tt.fault {
			t.Errorf("Parse(%q) effect/fault = %v/%v, want %v/%v", tt.name, f.HasExternalEffect, f.CanFault, tt.effect, tt.fault)
		}
	}

	for _, bad := range []string{
		"pure_ADD",
		"lazy_ADD_REG0_REG0",
		"pure_NOPE_REG0_REG0",
		"pure_ADD_REG0_REG7",
	} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

func TestBuildValidation(t *testing.T) {
	helpers := semantics.Default()
	tests := []struct {
		name string
		defs []Def
	}{
		{"duplicate", []Def{A("pure_ADD_REG0_REG0_REG1", "add32"), A("pure_ADD_REG0_REG1_REG0", "add32")}},
		{"unknown helper", []Def{A("pure_ADD_REG0_REG0_REG1", "add33")}},
		{"underflow", []Def{D("pure_ADD_REG0_REG0_REG1", In(0), Call("add32"))}},
		{"leftover", []Def{D("pure_ADD_REG0_REG0_REG1", In(0), In(1))}},
		{"bad input", []Def{D("pure_ADD_REG0_REG0_REG1", In(2))}},
		{"kind mismatch", []Def{D("pure_LOAD_SEG_DS_SEG0_DS", Const(0))}},
		{"pure void", []Def{A("pure_STORE0_MEM_DWORD_MEMORYWRITE_CPU_SEG0_ADDR0_REG0", "write32")}},
		{"void leftover", []Def{D("effect_INSTRUCTION_RETIRED_EXECUTECOUNT_CPU", In(0))}},
		{"immediate on plain op", []Def{D("pure_ADD_REG0", Immediate())}},
		{"assign to cpu", []Def{D("pure_ADD_CPU_CPU", In(0))}},
	}
	for _, tt := range tests {
		if _, err := Build("test", tt.defs, helpers); err == nil {
			t.Errorf("%s: Build succeeded", tt.name)
		}
	}
}

func TestBuildAndEval(t *testing.T) {
	table, err := Build("test", []Def{
		A("pure_ADD_REG0_REG0_REG1", "add32"),
		D("pure_ADD_O32_FLAGS_ZF_REG0", In(0), Const(32), Call("zf")),
		D("pure_ADDR_IB_ADDR0_ADDR0", In(0), Immediate(), Call("sext8"), Call("add32")),
		D("pure_EIP_UPDATE_EIP_EIP", In(0), X86Length(), Call("add32")),
		D("pure_NEG_REG0_REG0", In(0), Dup(), Pop(), Call("neg32")),
	}, semantics.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if table.Len() != 5 {
		t.Errorf("Len = %d, want 5", table.Len())
	}
	if table.Has(microcode.SUB) {
		t.Error("SUB has fragments")
	}
	if got := table.Targets(microcode.Op(9999)); got != nil {
		t.Errorf("Targets(out of range) = %v", got)
	}

	tests := []struct {
		op     microcode.Op
		target processor.Element
		inputs []uint32
		env    Env
		want   uint32
	}{
		{microcode.ADD, processor.REG0, []uint32{3, 5}, Env{}, 8},
		{microcode.ADD_O32_FLAGS, processor.ZF, []uint32{0}, Env{}, 1},
		{microcode.ADDR_IB, processor.ADDR0, []uint32{0x100}, Env{Immediate: 0xf0}, 0xf0},
		{microcode.EIP_UPDATE, processor.EIP, []uint32{0x1000}, Env{X86Length: 7}, 0x1007},
		{microcode.NEG, processor.REG0, []uint32{1}, Env{}, 0xffffffff},
	}
	for _, tt := range tests {
		f, ok := table.Lookup(tt.op, tt.target)
		if !ok {
			t.Fatalf("Lookup(%s, %s) missing", tt.op, tt.target)
		}
		in := make([]processor.Value, len(tt.inputs))
		for i, v := range tt.inputs {
			in[i] = processor.IntValue(v)
		}
		got, err := f.Eval(in, tt.env, semantics.Default())
		if err != nil {
			t.Errorf("%s: %v", f.Name, err)
			continue
		}
		if got.U32() != tt.want {
			t.Errorf("%s = 0x%x, want 0x%x", f.Name, got.U32(), tt.want)
		}
	}
}

type noHelpers struct{}

func (noHelpers) Lookup(string) (*semantics.Helper, bool) { return nil, false }

func TestEvalUnknownHelper(t *testing.T) {
	table, err := Build("test", []Def{A("pure_ADD_REG0_REG0_REG1", "add32")}, semantics.Default())
	if err != nil {
		t.Fatal(err)
	}
	f, _ := table.Lookup(microcode.ADD, processor.REG0)
	_, err = f.Eval([]processor.Value{processor.IntValue(1), processor.IntValue(2)}, Env{}, noHelpers{})
	if err == nil || !strings.Contains(err.Error(), `unknown helper "add32"`) {
		t.Errorf("err = %v", err)
	}
}
