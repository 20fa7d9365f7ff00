package unit

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
)

// CodeBuffer accumulates one method body.
type CodeBuffer struct {
	buf bytes.Buffer
}

// Len is the offset the next instruction will be written at.
func (c *CodeBuffer) Len() int {
	return c.buf.Len()
}

func (c *CodeBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

// Emit appends an instruction and returns its offset. Opcodes that take an
// operand panic without exactly one.
func (c *CodeBuffer) Emit(op Opcode, args ...int32) int {
	pc := c.buf.Len()
	if op.HasOperand() != (len(args) == 1) || len(args) > 1 {
		panic(fmt.Sprintf("unit: %s with %d operands", op, len(args)))
	}
	c.buf.WriteByte(byte(op))
	if len(args) == 1 {
		if !FitsOperand(int64(args[0])) {
			panic(fmt.Sprintf("unit: %s operand %d out of range", op, args[0]))
		}
		encodeOperand(&c.buf, args[0])
	}
	return pc
}

// Inst is one decoded instruction.
type Inst struct {
	PC   int
	Op   Opcode
	Arg  int32
	Size int
}

func (i Inst) String() string {
	if i.Op.HasOperand() {
		return fmt.Sprintf("%s %d", i.Op, i.Arg)
	}
	return i.Op.String()
}

// Instructions decodes a method body.
func Instructions(code []byte) ([]Inst, error) {
	r := &reader{data: code}
	var out []Inst
	for r.remaining() > 0 {
		pc := r.pos
		b, _ := r.byte()
		op := Opcode(b)
		if !op.Valid() {
			return nil, errors.Newf("bad opcode %d at %d", b, pc)
		}
		in := Inst{PC: pc, Op: op}
		if op.HasOperand() {
			arg, err := r.operand()
			if err != nil {
				return nil, errors.Wrapf(err, "%s at %d", op, pc)
			}
			in.Arg = arg
		}
		in.Size = r.pos - pc
		out = append(out, in)
	}
	return out, nil
}

// Disassemble writes a listing of the module to w.
func (m *Module) Disassemble(w io.Writer) error {
	fmt.Fprintf(w, "unit %s\n", m.Name)
	for i, k := range m.Slots {
		if k != processor.KindVoid {
			fmt.Fprintf(w, "  slot %d: %s\n", i, k)
		}
	}
	for i, c := range m.Constants {
		fmt.Fprintf(w, "  const %d: %s\n", i, c.Format())
	}
	for i, h := range m.Helpers {
		fmt.Fprintf(w, "  link %d: %s\n", i, h)
	}
	for _, meth := range m.Methods {
		fmt.Fprintf(w, "%s: %d bytes\n", meth.Name, len(meth.Code))
		insts, err := Instructions(meth.Code)
		if err != nil {
			return errors.Wrap(err, meth.Name)
		}
		for _, in := range insts {
			note := ""
			switch {
			case in.Op == CALL && int(in.Arg) < len(m.Helpers) && in.Arg >= 0:
				note = "  ; " + m.Helpers[in.Arg]
			case (in.Op == GETE || in.Op == SETE) && processor.Element(in.Arg).Valid():
				note = "  ; " + processor.Element(in.Arg).String()
			}
			fmt.Fprintf(w, "  %5d  %s%s\n", in.PC, in, note)
		}
		for _, h := range meth.Handlers {
			fmt.Fprintf(w, "  handler [%d,%d) -> %d\n", h.PC1, h.PC2, h.Target)
		}
	}
	return nil
}
