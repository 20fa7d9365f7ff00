// Package lowering declares the fragments of every microcode op for each
// processor mode. Tables are parsed once per process.
package lowering

import (
	"fmt"
	"strings"
	"sync"

	"pcemu/pkg/fragment"
	"pcemu/pkg/processor"
	"pcemu/pkg/semantics"
)

var (
	gpr32 = []string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}
	gpr16 = []string{"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI"}
	gpr8  = []string{"AL", "CL", "DL", "BL", "AH", "CH", "DH", "BH"}
	segs  = []string{"ES", "CS", "SS", "DS", "FS", "GS"}
)

var (
	def   = fragment.D
	apply = fragment.A

	in    = fragment.In
	lit   = fragment.Const
	imm   = fragment.Immediate
	xlen  = fragment.X86Length
	call  = fragment.Call
	dup   = fragment.Dup
	steps = func(s ...fragment.Step) []fragment.Step { return s }
)

// shared holds the fragments whose meaning does not depend on the mode.
func shared() []fragment.Def {
	var defs []fragment.Def
	for _, r := range gpr32 {
		defs = append(defs,
			def(fmt.Sprintf("pure_LOAD0_%s_REG0_%s", r, r), in(0)),
			def(fmt.Sprintf("pure_LOAD1_%s_REG1_%s", r, r), in(0)),
			def(fmt.Sprintf("pure_STORE0_%s_%s_REG0", r, r), in(0)),
			def(fmt.Sprintf("pure_STORE1_%s_%s_REG1", r, r), in(0)),
			apply(fmt.Sprintf("pure_ADDR_%s_ADDR0_ADDR0_%s", r, r), "add32"),
		)
	}
	for i, r := range gpr16 {
		defs = append(defs,
			apply(fmt.Sprintf("pure_LOAD0_%s_REG0_%s", r, gpr32[i]), "mask16"),
			apply(fmt.Sprintf("pure_STORE0_%s_%s_%s_REG0", r, gpr32[i], gpr32[i]), "merge16"),
		)
	}
	for i, r := range gpr8 {
		full := gpr32[i%4]
		load, merge := "mask8", "merge8lo"
		if i >= 4 {
			load, merge = "hi8", "merge8hi"
		}
		defs = append(defs,
			apply(fmt.Sprintf("pure_LOAD0_%s_REG0_%s", r, full), load),
			apply(fmt.Sprintf("pure_STORE0_%s_%s_%s_REG0", r, full, full), merge),
		)
	}
	defs = append(defs,
		apply("pure_LOAD1_CL_REG1_ECX", "mask8"),

		def("pure_LOAD0_IB_REG0", imm(), call("mask8")),
		def("pure_LOAD0_IW_REG0", imm(), call("mask16")),
		def("pure_LOAD0_ID_REG0", imm()),
		def("pure_LOAD1_IB_REG1", imm(), call("mask8")),
		def("pure_LOAD1_IW_REG1", imm(), call("mask16")),
		def("pure_LOAD1_ID_REG1", imm()),
	)
	for _, s := range segs {
		defs = append(defs,
			def(fmt.Sprintf("pure_LOAD_SEG_%s_SEG0_%s", s, s), in(0)),
			apply(fmt.Sprintf("pure_LOAD0_%s_REG0_%s", s, s), "selector"),
		)
	}
	defs = append(defs,
		def("pure_MEM_RESET_ADDR0", lit(0)),
		def("pure_ADDR_IB_ADDR0_ADDR0", in(0), imm(), call("sext8"), call("add32")),
		def("pure_ADDR_IW_ADDR0_ADDR0", in(0), imm(), call("sext16"), call("add32")),
		def("pure_ADDR_ID_ADDR0_ADDR0", in(0), imm(), call("add32")),
		apply("pure_ADDR_MASK16_ADDR0_ADDR0", "mask16"),

		apply("fault_LOAD0_MEM_BYTE_REG0_CPU_SEG0_ADDR0", "read8"),
		apply("fault_LOAD0_MEM_WORD_REG0_CPU_SEG0_ADDR0", "read16"),
		apply("fault_LOAD0_MEM_DWORD_REG0_CPU_SEG0_ADDR0", "read32"),
		apply("fault_LOAD1_MEM_BYTE_REG1_CPU_SEG0_ADDR0", "read8"),
		apply("fault_LOAD1_MEM_WORD_REG1_CPU_SEG0_ADDR0", "read16"),
		apply("fault_LOAD1_MEM_DWORD_REG1_CPU_SEG0_ADDR0", "read32"),
		apply("fault_STORE0_MEM_BYTE_MEMORYWRITE_CPU_SEG0_ADDR0_REG0", "write8"),
		apply("fault_STORE0_MEM_WORD_MEMORYWRITE_CPU_SEG0_ADDR0_REG0", "write16"),
		apply("fault_STORE0_MEM_DWORD_MEMORYWRITE_CPU_SEG0_ADDR0_REG0", "write32"),
		apply("fault_STORE1_MEM_DWORD_MEMORYWRITE_CPU_SEG0_ADDR0_REG1", "write32"),

		apply("pure_ADD_REG0_REG0_REG1", "add32"),
		apply("pure_SUB_REG0_REG0_REG1", "sub32"),
		apply("pure_AND_REG0_REG0_REG1", "and32"),
		apply("pure_OR_REG0_REG0_REG1", "or32"),
		apply("pure_XOR_REG0_REG0_REG1", "xor32"),
		apply("pure_SHL_REG0_REG0_REG1", "shl32"),
		apply("pure_SHR_REG0_REG0_REG1", "shr32"),
		apply("pure_SAR_REG0_REG0_REG1", "sar32"),
		apply("pure_NOT_REG0_REG0", "not32"),
		apply("pure_NEG_REG0_REG0", "neg32"),
		apply("pure_INC_REG0_REG0", "inc32"),
		apply("pure_DEC_REG0_REG0", "dec32"),
		apply("pure_SIGN_EXTEND_8_32_REG0_REG0", "sext8"),
		apply("pure_SIGN_EXTEND_16_32_REG0_REG0", "sext16"),
	)
	defs = append(defs, arithmeticFlags("ADD", "add")...)
	defs = append(defs, arithmeticFlags("SUB", "sub")...)
	for _, w := range []int64{8, 16, 32} {
		op := fmt.Sprintf("BITWISE_O%d_FLAGS", w)
		defs = append(defs,
			def("pure_"+op+"_CF", lit(0)),
			def("pure_"+op+"_AF", lit(0)),
			def("pure_"+op+"_OF", lit(0)),
			apply("pure_"+op+"_PF_REG0", "pf"),
			def("pure_"+op+"_ZF_REG0", in(0), lit(w), call("zf")),
			def("pure_"+op+"_SF_REG0", in(0), lit(w), call("sf")),
		)
	}
	for _, v := range []string{"INC", "DEC"} {
		op := v + "_O32_FLAGS"
		lower := strings.ToLower(v)
		defs = append(defs,
			apply("pure_"+op+"_PF_REG0", "pf"),
			apply("pure_"+op+"_AF_REG0", "af_"+lower),
			def("pure_"+op+"_ZF_REG0", in(0), lit(32), call("zf")),
			def("pure_"+op+"_SF_REG0", in(0), lit(32), call("sf")),
			apply("pure_"+op+"_OF_REG0", "of_"+lower),
		)
	}
	defs = append(defs,
		def("pure_CLC_CF", lit(0)),
		def("pure_STC_CF", lit(1)),
		apply("pure_CMC_CF_CF", "not1"),
		def("pure_CLD_DF", lit(0)),
		def("pure_STD_DF", lit(1)),

		apply("pure_MUL_O32_LONG0_REG0_REG1", "mul64u"),
		def("pure_MUL_O32_FLAGS_CF_LONG0", in(0), call("hi32"), call("nonzero")),
		def("pure_MUL_O32_FLAGS_OF_LONG0", in(0), call("hi32"), call("nonzero")),
		apply("pure_LOAD_EDX_EAX_LONG0_EDX_EAX", "concat64"),
		apply("pure_STORE_EDX_EAX_EAX_LONG0", "lo32"),
		apply("pure_STORE_EDX_EAX_EDX_LONG0", "hi32"),
		apply("fault_DIV_O32_REG0_LONG0_REG1", "divq32"),
		apply("fault_DIV_O32_REG1_LONG0_REG1", "divr32"),

		def("pure_EIP_UPDATE_EIP_EIP", in(0), xlen(), call("add32")),
		apply("effect_INSTRUCTION_RETIRED_EXECUTECOUNT_CPU", "retire"),
	)
	return defs
}

func arithmeticFlags(op, suffix string) []fragment.Def {
	var defs []fragment.Def
	for _, w := range []int64{8, 16, 32} {
		name := fmt.Sprintf("pure_%s_O%d_FLAGS", op, w)
		defs = append(defs,
			def(name+"_CF_REG0_REG1", in(0), in(1), lit(w), call("cf_"+suffix)),
			apply(name+"_PF_REG0", "pf"),
			def(name+"_AF_REG0_REG1", in(0), in(1), lit(w), call("af_"+suffix)),
			def(name+"_ZF_REG0", in(0), lit(w), call("zf")),
			def(name+"_SF_REG0", in(0), lit(w), call("sf")),
			def(name+"_OF_REG0_REG1", in(0), in(1), lit(w), call("of_"+suffix)),
		)
	}
	return defs
}

// stackOps declares PUSH/POP. Real and virtual-8086 mode use a 16-bit stack
// pointer that wraps inside SP and leaves the top of ESP alone.
func stackOps(sp16 bool) []fragment.Def {
	var defs []fragment.Def
	for _, size := range []int64{2, 4} {
		bits := size * 8
		newSP := func(delta int64) []fragment.Step {
			if sp16 {
				return steps(in(0), in(0), lit(delta), call("add32"), call("merge16"))
			}
			return steps(in(0), lit(delta), call("add32"))
		}
		// address of the slot below the current top
		pushAddr := steps(in(2), lit(-size), call("add32"))
		popAddr := steps(in(2))
		if sp16 {
			pushAddr = append(pushAddr, call("mask16"))
			popAddr = append(popAddr, call("mask16"))
		}
		push := steps(in(0), in(1))
		push = append(push, pushAddr...)
		push = append(push, in(3), call(fmt.Sprintf("write%d", bits)))
		pop := steps(in(0), in(1))
		pop = append(pop, popAddr...)
		pop = append(pop, call(fmt.Sprintf("read%d", bits)))

		defs = append(defs,
			def(fmt.Sprintf("pure_PUSH_O%d_ESP_ESP", bits), newSP(-size)...),
			def(fmt.Sprintf("fault_PUSH_O%d_MEMORYWRITE_CPU_SS_ESP_REG0", bits), push...),
			def(fmt.Sprintf("pure_POP_O%d_ESP_ESP", bits), newSP(size)...),
			def(fmt.Sprintf("fault_POP_O%d_REG0_CPU_SS_ESP", bits), pop...),
		)
	}
	return defs
}

// jumps declares the EIP-relative transfers. ip16 wraps the target to 16
// bits.
func jumps(ip16 bool) []fragment.Def {
	finish := func(s []fragment.Step) []fragment.Step {
		if ip16 {
			return append(s, call("mask16"))
		}
		return s
	}
	defs := []fragment.Def{
		def("pure_JUMP_O8_EIP_EIP_REG0", finish(steps(in(0), xlen(), call("add32"), in(1), call("sext8"), call("add32")))...),
		def("pure_JUMP_O32_EIP_EIP_REG0", finish(steps(in(0), xlen(), call("add32"), in(1), call("add32")))...),
	}
	for _, jcc := range []struct {
		op, flag string
		negate   bool
	}{
		{"JZ", "ZF", false}, {"JNZ", "ZF", true},
		{"JC", "CF", false}, {"JNC", "CF", true},
		{"JS", "SF", false}, {"JNS", "SF", true},
	} {
		s := steps(in(2))
		if jcc.negate {
			s = append(s, call("not1"))
		}
		s = append(s, in(0), xlen(), call("add32"), dup(), in(1), call("sext8"), call("add32"), call("branch"))
		defs = append(defs, def(fmt.Sprintf("pure_%s_O8_EIP_EIP_REG0_%s", jcc.op, jcc.flag), finish(s)...))
	}
	return defs
}

func segmentStores(helper, stackHelper string, inputs string, class string) []fragment.Def {
	var defs []fragment.Def
	for _, s := range []string{"ES", "SS", "DS", "FS", "GS"} {
		h := helper
		if s == "SS" {
			h = stackHelper
		}
		defs = append(defs, apply(fmt.Sprintf("%s_STORE0_%s_%s%s", class, s, s, inputs), h))
	}
	return defs
}

func realDefs() []fragment.Def {
	defs := shared()
	defs = append(defs, stackOps(true)...)
	defs = append(defs, jumps(true)...)
	defs = append(defs, segmentStores("real_segment", "real_stack_segment", "_REG0", "pure")...)
	defs = append(defs,
		apply("effect_IN_O8_REG0_CPU_REG1", "in8"),
		apply("effect_IN_O32_REG0_CPU_REG1", "in32"),
		apply("effect_OUT_O8_IOPORTWRITE_CPU_REG1_REG0", "out8"),
		apply("effect_OUT_O32_IOPORTWRITE_CPU_REG1_REG0", "out32"),
		def("pure_CLI_IF", lit(0)),
		def("pure_STI_IF", lit(1)),
	)
	return defs
}

// checkedDefs are the privilege-checked forms protected and virtual-8086
// mode share.
func checkedDefs() []fragment.Def {
	return []fragment.Def{
		apply("fault_IN_O8_REG0_CPU_REG1_CPL_IOPL", "in8_checked"),
		apply("fault_IN_O32_REG0_CPU_REG1_CPL_IOPL", "in32_checked"),
		apply("fault_OUT_O8_IOPORTWRITE_CPU_REG1_REG0_CPL_IOPL", "out8_checked"),
		apply("fault_OUT_O32_IOPORTWRITE_CPU_REG1_REG0_CPL_IOPL", "out32_checked"),
		def("fault_CLI_IF_CPL_IOPL", in(0), in(1), lit(0), call("if_checked")),
		def("fault_STI_IF_CPL_IOPL", in(0), in(1), lit(1), call("if_checked")),
	}
}

func protectedDefs() []fragment.Def {
	defs := shared()
	defs = append(defs, stackOps(false)...)
	defs = append(defs, jumps(false)...)
	defs = append(defs, segmentStores("protected_segment", "protected_stack_segment", "_CPU_REG0", "fault")...)
	defs = append(defs, checkedDefs()...)
	return defs
}

func vm86Defs() []fragment.Def {
	defs := shared()
	defs = append(defs, stackOps(true)...)
	defs = append(defs, jumps(true)...)
	defs = append(defs, segmentStores("real_segment", "real_stack_segment", "_REG0", "pure")...)
	defs = append(defs, checkedDefs()...)
	return defs
}

// Definitions returns the declarative fragment list for a mode.
func Definitions(m processor.Mode) []fragment.Def {
	switch m {
	case processor.ModeProtected:
		return protectedDefs()
	case processor.ModeVirtual8086:
		return vm86Defs()
	}
	return realDefs()
}

// FaultRouteHelper names the helper a mode's exception handlers call.
func FaultRouteHelper(m processor.Mode) string {
	switch m {
	case processor.ModeProtected:
		return "route_protected_fault"
	case processor.ModeVirtual8086:
		return "route_vm86_fault"
	}
	return "route_real_fault"
}

type lazyTable struct {
	once  sync.Once
	table *fragment.Table
}

var tables [3]lazyTable

// ForMode returns the lowering table for m, building it on first use.
func ForMode(m processor.Mode) *fragment.Table {
	lt := &tables[m]
	lt.once.Do(func() {
		t, err := fragment.Build(m.String(), Definitions(m), semantics.Default())
		if err != nil {
			panic(err)
		}
		lt.table = t
	})
	return lt.table
}

func Real() *fragment.Table        { return ForMode(processor.ModeReal) }
func Protected() *fragment.Table   { return ForMode(processor.ModeProtected) }
func Virtual8086() *fragment.Table { return ForMode(processor.ModeVirtual8086) }
