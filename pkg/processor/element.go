package processor

import (
	"fmt"
	"strings"
)

// Element identifies one piece of virtual-CPU state that microcode reads or
// writes. The set is fixed; compiled units refer to elements by number.
type Element uint8

const (
	EAX Element = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP

	CF
	PF
	AF
	ZF
	SF
	TF
	IF
	DF
	OF
	IOPL
	NT
	RF
	VM
	AC
	VIF
	VIP
	ID

	ES
	CS
	SS
	DS
	FS
	GS
	IDTR
	GDTR
	LDTR
	TR
	CPL

	// Working values shared between the microcodes of one instruction.
	REG0
	REG1
	ADDR0
	SEG0
	LONG0

	CPU
	ZERO
	MEMORYWRITE
	IOPORTWRITE
	EXECUTECOUNT

	ElementCount
)

// Kind is the storage class of an element's value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindLong
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindRef:
		return "ref"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Units is the number of slot units a value of this kind occupies.
func (k Kind) Units() int {
	switch k {
	case KindLong:
		return 2
	case KindVoid:
		return 0
	}
	return 1
}

var elementNames = [ElementCount]string{
	EAX: "eax", ECX: "ecx", EDX: "edx", EBX: "ebx",
	ESP: "esp", EBP: "ebp", ESI: "esi", EDI: "edi",
	EIP: "eip",
	CF:  "cf", PF: "pf", AF: "af", ZF: "zf", SF: "sf", TF: "tf",
	IF: "if", DF: "df", OF: "of", IOPL: "iopl", NT: "nt", RF: "rf",
	VM: "vm", AC: "ac", VIF: "vif", VIP: "vip", ID: "id",
	ES: "es", CS: "cs", SS: "ss", DS: "ds", FS: "fs", GS: "gs",
	IDTR: "idtr", GDTR: "gdtr", LDTR: "ldtr", TR: "tr",
	CPL:  "cpl",
	REG0: "reg0", REG1: "reg1", ADDR0: "addr0", SEG0: "seg0", LONG0: "long0",
	CPU: "cpu", ZERO: "zero",
	MEMORYWRITE: "memorywrite", IOPORTWRITE: "ioportwrite", EXECUTECOUNT: "executecount",
}

var elementsByName = func() map[string]Element {
	m := make(map[string]Element, ElementCount)
	for e := Element(0); e < ElementCount; e++ {
		m[elementNames[e]] = e
	}
	return m
}()

func (e Element) String() string {
	if e < ElementCount {
		return strings.ToUpper(elementNames[e])
	}
	return fmt.Sprintf("element(%d)", uint8(e))
}

// ParseElement resolves an element by its case-insensitive name.
func ParseElement(name string) (Element, bool) {
	e, ok := elementsByName[strings.ToLower(name)]
	return e, ok
}

// Valid reports whether e is one of the defined elements.
func (e Element) Valid() bool {
	return e < ElementCount
}

func (e Element) Kind() Kind {
	switch {
	case e >= ES && e <= TR:
		return KindRef
	case e == CPU || e == SEG0:
		return KindRef
	case e == LONG0:
		return KindLong
	case e == MEMORYWRITE || e == IOPORTWRITE || e == EXECUTECOUNT:
		return KindVoid
	}
	return KindInt
}

// Architectural reports whether the element is part of the guest-visible
// processor state, and so is written back when a block completes or faults.
func (e Element) Architectural() bool {
	return e <= CPL
}

// Transient reports whether the element only carries values between the
// microcodes of a block.
func (e Element) Transient() bool {
	return e >= REG0 && e <= LONG0
}

// Pseudo reports whether the element is a marker or constant rather than
// stored state.
func (e Element) Pseudo() bool {
	return e >= CPU && e < ElementCount
}

// Materializable reports whether values of the element may be kept in a
// slot. Effect markers are consumed immediately; CPU and ZERO are cheaper to
// reload than to store.
func (e Element) Materializable() bool {
	return e.Valid() && !e.Pseudo()
}

// IsFlag reports whether the element is one of the EFLAGS bits or fields.
func (e Element) IsFlag() bool {
	return e >= CF && e <= ID
}

// IsSegment reports whether the element is one of the six segment caches.
func (e Element) IsSegment() bool {
	return e >= ES && e <= GS
}
