package microcode

import "fmt"

// Op is a microcode operation as it appears in an instruction source's word
// stream.
type Op uint16

const (
	LOAD0_EAX Op = iota
	LOAD0_ECX
	LOAD0_EDX
	LOAD0_EBX
	LOAD0_ESP
	LOAD0_EBP
	LOAD0_ESI
	LOAD0_EDI
	LOAD1_EAX
	LOAD1_ECX
	LOAD1_EDX
	LOAD1_EBX
	LOAD1_ESP
	LOAD1_EBP
	LOAD1_ESI
	LOAD1_EDI
	STORE0_EAX
	STORE0_ECX
	STORE0_EDX
	STORE0_EBX
	STORE0_ESP
	STORE0_EBP
	STORE0_ESI
	STORE0_EDI
	STORE1_EAX
	STORE1_ECX
	STORE1_EDX
	STORE1_EBX
	STORE1_ESP
	STORE1_EBP
	STORE1_ESI
	STORE1_EDI

	LOAD0_AX
	LOAD0_CX
	LOAD0_DX
	LOAD0_BX
	LOAD0_SP
	LOAD0_BP
	LOAD0_SI
	LOAD0_DI
	STORE0_AX
	STORE0_CX
	STORE0_DX
	STORE0_BX
	STORE0_SP
	STORE0_BP
	STORE0_SI
	STORE0_DI

	LOAD0_AL
	LOAD0_CL
	LOAD0_DL
	LOAD0_BL
	LOAD0_AH
	LOAD0_CH
	LOAD0_DH
	LOAD0_BH
	STORE0_AL
	STORE0_CL
	STORE0_DL
	STORE0_BL
	STORE0_AH
	STORE0_CH
	STORE0_DH
	STORE0_BH
	LOAD1_CL

	LOAD0_IB
	LOAD0_IW
	LOAD0_ID
	LOAD1_IB
	LOAD1_IW
	LOAD1_ID

	LOAD_SEG_ES
	LOAD_SEG_CS
	LOAD_SEG_SS
	LOAD_SEG_DS
	LOAD_SEG_FS
	LOAD_SEG_GS
	LOAD0_ES
	LOAD0_CS
	LOAD0_SS
	LOAD0_DS
	LOAD0_FS
	LOAD0_GS
	STORE0_ES
	STORE0_SS
	STORE0_DS
	STORE0_FS
	STORE0_GS

	MEM_RESET
	ADDR_EAX
	ADDR_ECX
	ADDR_EDX
	ADDR_EBX
	ADDR_ESP
	ADDR_EBP
	ADDR_ESI
	ADDR_EDI
	ADDR_IB
	ADDR_IW
	ADDR_ID
	ADDR_MASK16

	LOAD0_MEM_BYTE
	LOAD0_MEM_WORD
	LOAD0_MEM_DWORD
	LOAD1_MEM_BYTE
	LOAD1_MEM_WORD
	LOAD1_MEM_DWORD
	STORE0_MEM_BYTE
	STORE0_MEM_WORD
	STORE0_MEM_DWORD
	STORE1_MEM_DWORD

	ADD
	SUB
	AND
	OR
	XOR
	SHL
	SHR
	SAR
	NOT
	NEG
	INC
	DEC
	SIGN_EXTEND_8_32
	SIGN_EXTEND_16_32

	ADD_O8_FLAGS
	ADD_O16_FLAGS
	ADD_O32_FLAGS
	SUB_O8_FLAGS
	SUB_O16_FLAGS
	SUB_O32_FLAGS
	BITWISE_O8_FLAGS
	BITWISE_O16_FLAGS
	BITWISE_O32_FLAGS
	INC_O32_FLAGS
	DEC_O32_FLAGS
	CLC
	STC
	CMC
	CLD
	STD
	CLI
	STI

	MUL_O32
	MUL_O32_FLAGS
	LOAD_EDX_EAX
	STORE_EDX_EAX
	DIV_O32

	PUSH_O16
	PUSH_O32
	POP_O16
	POP_O32

	IN_O8
	IN_O32
	OUT_O8
	OUT_O32

	EIP_UPDATE
	JUMP_O8
	JUMP_O32
	JZ_O8
	JNZ_O8
	JC_O8
	JNC_O8
	JS_O8
	JNS_O8
	INSTRUCTION_RETIRED
	RET_O16
	RET_O32
	HALT

	OpCount
)

var opNames = [OpCount]string{
	LOAD0_EAX: "LOAD0_EAX", LOAD0_ECX: "LOAD0_ECX", LOAD0_EDX: "LOAD0_EDX", LOAD0_EBX: "LOAD0_EBX",
	LOAD0_ESP: "LOAD0_ESP", LOAD0_EBP: "LOAD0_EBP", LOAD0_ESI: "LOAD0_ESI", LOAD0_EDI: "LOAD0_EDI",
	LOAD1_EAX: "LOAD1_EAX", LOAD1_ECX: "LOAD1_ECX", LOAD1_EDX: "LOAD1_EDX", LOAD1_EBX: "LOAD1_EBX",
	LOAD1_ESP: "LOAD1_ESP", LOAD1_EBP: "LOAD1_EBP", LOAD1_ESI: "LOAD1_ESI", LOAD1_EDI: "LOAD1_EDI",
	STORE0_EAX: "STORE0_EAX", STORE0_ECX: "STORE0_ECX", STORE0_EDX: "STORE0_EDX", STORE0_EBX: "STORE0_EBX",
	STORE0_ESP: "STORE0_ESP", STORE0_EBP: "STORE0_EBP", STORE0_ESI: "STORE0_ESI", STORE0_EDI: "STORE0_EDI",
	STORE1_EAX: "STORE1_EAX", STORE1_ECX: "STORE1_ECX", STORE1_EDX: "STORE1_EDX", STORE1_EBX: "STORE1_EBX",
	STORE1_ESP: "STORE1_ESP", STORE1_EBP: "STORE1_EBP", STORE1_ESI: "STORE1_ESI", STORE1_EDI: "STORE1_EDI",

	LOAD0_AX: "LOAD0_AX", LOAD0_CX: "LOAD0_CX", LOAD0_DX: "LOAD0_DX", LOAD0_BX: "LOAD0_BX",
	LOAD0_SP: "LOAD0_SP", LOAD0_BP: "LOAD0_BP", LOAD0_SI: "LOAD0_SI", LOAD0_DI: "LOAD0_DI",
	STORE0_AX: "STORE0_AX", STORE0_CX: "STORE0_CX", STORE0_DX: "STORE0_DX", STORE0_BX: "STORE0_BX",
	STORE0_SP: "STORE0_SP", STORE0_BP: "STORE0_BP", STORE0_SI: "STORE0_SI", STORE0_DI: "STORE0_DI",

	LOAD0_AL: "LOAD0_AL", LOAD0_CL: "LOAD0_CL", LOAD0_DL: "LOAD0_DL", LOAD0_BL: "LOAD0_BL",
	LOAD0_AH: "LOAD0_AH", LOAD0_CH: "LOAD0_CH", LOAD0_DH: "LOAD0_DH", LOAD0_BH: "LOAD0_BH",
	STORE0_AL: "STORE0_AL", STORE0_CL: "STORE0_CL", STORE0_DL: "STORE0_DL", STORE0_BL: "STORE0_BL",
	STORE0_AH: "STORE0_AH", STORE0_CH: "STORE0_CH", STORE0_DH: "STORE0_DH", STORE0_BH: "STORE0_BH",
	LOAD1_CL: "LOAD1_CL",

	LOAD0_IB: "LOAD0_IB", LOAD0_IW: "LOAD0_IW", LOAD0_ID: "LOAD0_ID",
	LOAD1_IB: "LOAD1_IB", LOAD1_IW: "LOAD1_IW", LOAD1_ID: "LOAD1_ID",

	LOAD_SEG_ES: "LOAD_SEG_ES", LOAD_SEG_CS: "LOAD_SEG_CS", LOAD_SEG_SS: "LOAD_SEG_SS",
	LOAD_SEG_DS: "LOAD_SEG_DS", LOAD_SEG_FS: "LOAD_SEG_FS", LOAD_SEG_GS: "LOAD_SEG_GS",
	LOAD0_ES: "LOAD0_ES", LOAD0_CS: "LOAD0_CS", LOAD0_SS: "LOAD0_SS",
	LOAD0_DS: "LOAD0_DS", LOAD0_FS: "LOAD0_FS", LOAD0_GS: "LOAD0_GS",
	STORE0_ES: "STORE0_ES", STORE0_SS: "STORE0_SS", STORE0_DS: "STORE0_DS",
	STORE0_FS: "STORE0_FS", STORE0_GS: "STORE0_GS",

	MEM_RESET: "MEM_RESET",
	ADDR_EAX: "ADDR_EAX", ADDR_ECX: "ADDR_ECX", ADDR_EDX: "ADDR_EDX", ADDR_EBX: "ADDR_EBX",
	ADDR_ESP: "ADDR_ESP", ADDR_EBP: "ADDR_EBP", ADDR_ESI: "ADDR_ESI", ADDR_EDI: "ADDR_EDI",
	ADDR_IB: "ADDR_IB", ADDR_IW: "ADDR_IW", ADDR_ID: "ADDR_ID", ADDR_MASK16: "ADDR_MASK16",

	LOAD0_MEM_BYTE: "LOAD0_MEM_BYTE", LOAD0_MEM_WORD: "LOAD0_MEM_WORD", LOAD0_MEM_DWORD: "LOAD0_MEM_DWORD",
	LOAD1_MEM_BYTE: "LOAD1_MEM_BYTE", LOAD1_MEM_WORD: "LOAD1_MEM_WORD", LOAD1_MEM_DWORD: "LOAD1_MEM_DWORD",
	STORE0_MEM_BYTE: "STORE0_MEM_BYTE", STORE0_MEM_WORD: "STORE0_MEM_WORD", STORE0_MEM_DWORD: "STORE0_MEM_DWORD",
	STORE1_MEM_DWORD: "STORE1_MEM_DWORD",

	ADD: "ADD", SUB: "SUB", AND: "AND", OR: "OR", XOR: "XOR",
	SHL: "SHL", SHR: "SHR", SAR: "SAR", NOT: "NOT", NEG: "NEG", INC: "INC", DEC: "DEC",
	SIGN_EXTEND_8_32: "SIGN_EXTEND_8_32", SIGN_EXTEND_16_32: "SIGN_EXTEND_16_32",

	ADD_O8_FLAGS: "ADD_O8_FLAGS", ADD_O16_FLAGS: "ADD_O16_FLAGS", ADD_O32_FLAGS: "ADD_O32_FLAGS",
	SUB_O8_FLAGS: "SUB_O8_FLAGS", SUB_O16_FLAGS: "SUB_O16_FLAGS", SUB_O32_FLAGS: "SUB_O32_FLAGS",
	BITWISE_O8_FLAGS: "BITWISE_O8_FLAGS", BITWISE_O16_FLAGS: "BITWISE_O16_FLAGS", BITWISE_O32_FLAGS: "BITWISE_O32_FLAGS",
	INC_O32_FLAGS: "INC_O32_FLAGS", DEC_O32_FLAGS: "DEC_O32_FLAGS",
	CLC: "CLC", STC: "STC", CMC: "CMC", CLD: "CLD", STD: "STD", CLI: "CLI", STI: "STI",

	MUL_O32: "MUL_O32", MUL_O32_FLAGS: "MUL_O32_FLAGS",
	LOAD_EDX_EAX: "LOAD_EDX_EAX", STORE_EDX_EAX: "STORE_EDX_EAX", DIV_O32: "DIV_O32",

	PUSH_O16: "PUSH_O16", PUSH_O32: "PUSH_O32", POP_O16: "POP_O16", POP_O32: "POP_O32",

	IN_O8: "IN_O8", IN_O32: "IN_O32", OUT_O8: "OUT_O8", OUT_O32: "OUT_O32",

	EIP_UPDATE: "EIP_UPDATE", JUMP_O8: "JUMP_O8", JUMP_O32: "JUMP_O32",
	JZ_O8: "JZ_O8", JNZ_O8: "JNZ_O8", JC_O8: "JC_O8", JNC_O8: "JNC_O8", JS_O8: "JS_O8", JNS_O8: "JNS_O8",
	INSTRUCTION_RETIRED: "INSTRUCTION_RETIRED",
	RET_O16: "RET_O16", RET_O32: "RET_O32", HALT: "HALT",
}

var opsByName = func() map[string]Op {
	m := make(map[string]Op, OpCount)
	for op := Op(0); op < OpCount; op++ {
		if opNames[op] == "" {
			panic(fmt.Sprintf("microcode: op %d has no name", op))
		}
		m[opNames[op]] = op
	}
	return m
}()

// Invalid stands for any word outside the catalogue. No table lowers it.
const Invalid Op = 0xffff

// OpOf decodes a microcode word.
func OpOf(word int32) Op {
	if word < 0 || word >= int32(OpCount) {
		return Invalid
	}
	return Op(word)
}

func (op Op) String() string {
	if op < OpCount {
		return opNames[op]
	}
	if op == Invalid {
		return "INVALID"
	}
	return fmt.Sprintf("OP_%d", uint16(op))
}

// Valid reports whether op is in the catalogue.
func (op Op) Valid() bool {
	return op < OpCount
}

// ParseOp resolves an op by its catalogue name.
func ParseOp(name string) (Op, bool) {
	op, ok := opsByName[name]
	return op, ok
}

// HasImmediate reports whether the op consumes the following word of the
// stream as its payload.
func (op Op) HasImmediate() bool {
	switch op {
	case LOAD0_IB, LOAD0_IW, LOAD0_ID,
		LOAD1_IB, LOAD1_IW, LOAD1_ID,
		ADDR_IB, ADDR_IW, ADDR_ID:
		return true
	}
	return false
}

// Ops returns the catalogue in numeric order.
func Ops() []Op {
	ops := make([]Op, OpCount)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}
