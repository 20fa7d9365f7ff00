package unit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"pcemu/pkg/processor"
)

func TestEncodeOperand(t *testing.T) {
	tests := []struct {
		val    int32
		nbytes int
	}{
		{0, 1},
		{63, 1},
		{-1, 1},
		{-64, 1},

		{64, 2},
		{-65, 2},
		{8191, 2},
		{-8192, 2},
		{-100, 2},

		{8192, 4},
		{-8193, 4},
		{100000, 4},
		{MaxOperand, 4},
		{MinOperand, 4},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		encodeOperand(&buf, tt.val)
		if buf.Len() != tt.nbytes {
			t.Errorf("encodeOperand(%d): got %d bytes, want %d", tt.val, buf.Len(), tt.nbytes)
			continue
		}
		r := &reader{data: buf.Bytes()}
		got, err := r.operand()
		if err != nil {
			t.Errorf("operand(%d): %v", tt.val, err)
			continue
		}
		if got != tt.val {
			t.Errorf("round-trip operand %d: got %d", tt.val, got)
		}
	}
	if FitsOperand(MaxOperand+1) || FitsOperand(MinOperand-1) {
		t.Error("FitsOperand accepts values beyond 30 bits")
	}
}

func TestIntern(t *testing.T) {
	m := NewSkeleton("test")
	a := m.Intern(IntConst(1 << 30))
	b := m.Intern(IntsConst([]int32{1, 2, 3}))
	if got := m.Intern(IntConst(1 << 30)); got != a {
		t.Errorf("Intern(int) = %d, want %d", got, a)
	}
	if got := m.Intern(IntsConst([]int32{1, 2, 3})); got != b {
		t.Errorf("Intern(ints) = %d, want %d", got, b)
	}
	if got := m.Intern(IntsConst([]int32{1, 2})); got == b {
		t.Error("different arrays share an index")
	}
	if got := m.Intern(StringConst("1")); got == a {
		t.Error("string and int share an index")
	}
	if len(m.Constants) != 4 {
		t.Errorf("pool has %d entries, want 4", len(m.Constants))
	}
	if m.Link("add32") != 0 || m.Link("sub32") != 1 || m.Link("add32") != 0 {
		t.Errorf("links = %v", m.Helpers)
	}
}

func TestTemplateIsCopied(t *testing.T) {
	skel := NewSkeleton("real")
	skel.Intern(IntsConst([]int32{7}))
	m := NewFromTemplate(skel)
	m.SetName("block")
	m.Constants[0].Ints[0] = 8
	var code CodeBuffer
	code.Emit(PUSHI, 1)
	code.Emit(RETURN)
	if err := m.SetMethodBody(MethodInstructionCount, code.Bytes(), nil); err != nil {
		t.Fatal(err)
	}
	if skel.Name != "real" || skel.Constants[0].Ints[0] != 7 {
		t.Error("template modified through its copy")
	}
	meth, _ := skel.Method(MethodInstructionCount)
	if !meth.Placeholder() {
		t.Error("template body filled")
	}
}

func TestSetMethodBody(t *testing.T) {
	m := NewSkeleton("test")
	if err := m.SetMethodBody("nope", []byte{byte(RETURN)}, nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method err = %v", err)
	}
	big := make([]byte, MaxMethodBytes+1)
	if err := m.SetMethodBody(MethodExecute, big, nil); !errors.Is(err, ErrOversize) {
		t.Errorf("oversize err = %v", err)
	}
	if err := m.SetMethodBody(MethodExecute, big[:MaxMethodBytes], nil); err != nil {
		t.Errorf("max size body: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	m := NewSkeleton("real-0123abcd")
	m.SetSlots([]processor.Kind{processor.KindInt, processor.KindLong, processor.KindVoid, processor.KindRef})
	m.Intern(IntConst(-1 << 31))
	m.Intern(LongConst(-2))
	m.Intern(StringConst("name"))
	m.Intern(IntsConst([]int32{5, 7, 0x1000}))
	add := m.Link("add32")

	var code CodeBuffer
	code.Emit(GETE, int32(processor.EAX))
	code.Emit(PUSHI, 5000)
	start := code.Emit(CALL, int32(add))
	end := code.Emit(SETE, int32(processor.EAX))
	code.Emit(PUSHI, 0)
	code.Emit(RETURN)
	target := code.Emit(FAULT)
	code.Emit(POP)
	code.Emit(PUSHI, 0)
	code.Emit(RETURN)
	handlers := []Handler{{PC1: int32(start), PC2: int32(end), Target: int32(target)}}
	if err := m.SetMethodBody(MethodExecute, code.Bytes(), handlers); err != nil {
		t.Fatal(err)
	}

	data, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(m, got, cmpopts.IgnoreUnexported(Module{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decoded module (-want +got):\n%s", diff)
	}

	if _, err := Decode(data[:len(data)-1]); err == nil {
		t.Error("truncated module decoded")
	}
	if _, err := Decode(append(append([]byte(nil), data...), 0)); err == nil {
		t.Error("module with trailing bytes decoded")
	}
	bad := append([]byte(nil), data...)
	bad[0] ^= 1
	if _, err := Decode(bad); err == nil {
		t.Error("bad magic decoded")
	}
}

func TestEncodeRejectsNUL(t *testing.T) {
	m := NewSkeleton("a\x00b")
	if _, err := m.Bytes(); err == nil {
		t.Error("name with NUL encoded")
	}
}

func TestInstructions(t *testing.T) {
	var code CodeBuffer
	code.Emit(PUSHI, -70)
	code.Emit(DUP)
	code.Emit(ISTORE, 3)
	code.Emit(RETURN)
	insts, err := Instructions(code.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	want := []Inst{
		{PC: 0, Op: PUSHI, Arg: -70, Size: 3},
		{PC: 3, Op: DUP, Size: 1},
		{PC: 4, Op: ISTORE, Arg: 3, Size: 2},
		{PC: 6, Op: RETURN, Size: 1},
	}
	if diff := cmp.Diff(want, insts); diff != "" {
		t.Errorf("Instructions (-want +got):\n%s", diff)
	}
	if _, err := Instructions([]byte{0xff}); err == nil {
		t.Error("bad opcode decoded")
	}
	if _, err := Instructions([]byte{byte(PUSHI)}); err == nil {
		t.Error("missing operand decoded")
	}
}

func TestEmitPanics(t *testing.T) {
	for _, f := range []func(c *CodeBuffer){
		func(c *CodeBuffer) { c.Emit(PUSHI) },
		func(c *CodeBuffer) { c.Emit(DUP, 1) },
		func(c *CodeBuffer) { c.Emit(PUSHI, 1<<30) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("Emit did not panic")
				}
			}()
			f(&CodeBuffer{})
		}()
	}
}

func TestDisassemble(t *testing.T) {
	m := NewSkeleton("d", MethodExecute)
	var code CodeBuffer
	code.Emit(GETE, int32(processor.EBX))
	code.Emit(CALL, int32(m.Link("not32")))
	code.Emit(RETURN)
	if err := m.SetMethodBody(MethodExecute, code.Bytes(), nil); err != nil {
		t.Fatal(err)
	}
	var out strings.Builder
	if err := m.Disassemble(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"unit d", "GETE 3  ; EBX", "CALL 0  ; not32", "RETURN"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, out.String())
		}
	}
}
