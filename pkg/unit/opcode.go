package unit

import "fmt"

// Opcode is one instruction of the block bytecode. Every instruction is an
// opcode byte followed by at most one operand.
type Opcode uint8

const (
	NOP Opcode = iota
	// PUSHI pushes its operand as a 32-bit int.
	PUSHI
	// LDC pushes constant pool entry operand.
	LDC
	DUP
	POP
	// ILOAD, LLOAD and ALOAD push slot operand; the STORE forms pop into it.
	ILOAD
	ISTORE
	LLOAD
	LSTORE
	ALOAD
	ASTORE
	// GETE pushes the live value of processor element operand.
	GETE
	// SETE pops into processor element operand.
	SETE
	// CALL invokes helper link operand.
	CALL
	// FAULT pushes the fault that transferred control to a handler.
	FAULT
	// RETURN pops the method result.
	RETURN
	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	NOP:    "NOP",
	PUSHI:  "PUSHI",
	LDC:    "LDC",
	DUP:    "DUP",
	POP:    "POP",
	ILOAD:  "ILOAD",
	ISTORE: "ISTORE",
	LLOAD:  "LLOAD",
	LSTORE: "LSTORE",
	ALOAD:  "ALOAD",
	ASTORE: "ASTORE",
	GETE:   "GETE",
	SETE:   "SETE",
	CALL:   "CALL",
	FAULT:  "FAULT",
	RETURN: "RETURN",
}

func (o Opcode) String() string {
	if o < opcodeCount {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OPCODE_%d", uint8(o))
}

func (o Opcode) Valid() bool {
	return o < opcodeCount
}

// HasOperand reports whether the opcode is followed by an operand.
func (o Opcode) HasOperand() bool {
	switch o {
	case PUSHI, LDC, ILOAD, ISTORE, LLOAD, LSTORE, ALOAD, ASTORE, GETE, SETE, CALL:
		return true
	}
	return false
}

// IsSlotAccess reports whether the operand names a slot.
func (o Opcode) IsSlotAccess() bool {
	switch o {
	case ILOAD, ISTORE, LLOAD, LSTORE, ALOAD, ASTORE:
		return true
	}
	return false
}

// StackEffect is the net change in stack depth, excluding CALL whose effect
// depends on the helper.
func (o Opcode) StackEffect() int {
	switch o {
	case PUSHI, LDC, DUP, ILOAD, LLOAD, ALOAD, GETE, FAULT:
		return 1
	case POP, ISTORE, LSTORE, ASTORE, SETE, RETURN:
		return -1
	}
	return 0
}
