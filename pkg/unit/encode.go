package unit

import (
	"bytes"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
)

// Encode writes the module to w:
//
//	magic, name, slot kinds, constants, helper links, methods
//
// Counts and small integers are operands; int constants are big-endian
// words; strings are NUL terminated.
func (m *Module) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := m.encode(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Bytes returns the encoded module.
func (m *Module) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Module) encode(buf *bytes.Buffer) error {
	if err := checkString("module name", m.Name); err != nil {
		return err
	}
	encodeOperand(buf, m.Magic)
	encodeString(buf, m.Name)

	encodeOperand(buf, int32(len(m.Slots)))
	for _, k := range m.Slots {
		buf.WriteByte(byte(k))
	}

	encodeOperand(buf, int32(len(m.Constants)))
	for i, c := range m.Constants {
		buf.WriteByte(byte(c.Kind))
		switch c.Kind {
		case ConstInt:
			encodeWord(buf, uint32(c.Int))
		case ConstLong:
			encodeWord(buf, uint32(uint64(c.Long)>>32))
			encodeWord(buf, uint32(c.Long))
		case ConstString:
			if err := checkString("string constant", c.String); err != nil {
				return err
			}
			encodeString(buf, c.String)
		case ConstInts:
			encodeOperand(buf, int32(len(c.Ints)))
			for _, v := range c.Ints {
				encodeWord(buf, uint32(v))
			}
		default:
			return errors.Newf("constant %d: bad kind %d", i, c.Kind)
		}
	}

	encodeOperand(buf, int32(len(m.Helpers)))
	for _, h := range m.Helpers {
		if err := checkString("helper name", h); err != nil {
			return err
		}
		encodeString(buf, h)
	}

	encodeOperand(buf, int32(len(m.Methods)))
	for _, meth := range m.Methods {
		if err := checkString("method name", meth.Name); err != nil {
			return err
		}
		if len(meth.Code) > MaxMethodBytes {
			return errors.Wrapf(ErrOversize, "%s is %d bytes", meth.Name, len(meth.Code))
		}
		encodeString(buf, meth.Name)
		encodeOperand(buf, int32(len(meth.Code)))
		buf.Write(meth.Code)
		encodeOperand(buf, int32(len(meth.Handlers)))
		for _, h := range meth.Handlers {
			encodeOperand(buf, h.PC1)
			encodeOperand(buf, h.PC2)
			encodeOperand(buf, h.Target)
		}
	}
	return nil
}

func checkString(what, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return errors.Newf("%s %q contains NUL", what, s)
	}
	return nil
}

// Decode parses a module produced by Encode.
func Decode(data []byte) (*Module, error) {
	r := &reader{data: data}
	m := &Module{}

	magic, err := r.operand()
	if err != nil {
		return nil, errors.Wrap(err, "magic")
	}
	if magic != Magic {
		return nil, errors.Newf("bad magic: %d", magic)
	}
	m.Magic = magic
	if m.Name, err = r.readString(); err != nil {
		return nil, errors.Wrap(err, "module name")
	}

	n, err := r.count(r.remaining())
	if err != nil {
		return nil, errors.Wrap(err, "slot count")
	}
	m.Slots = make([]processor.Kind, n)
	for i := range m.Slots {
		b, err := r.byte()
		if err != nil {
			return nil, errors.Wrapf(err, "slot %d", i)
		}
		m.Slots[i] = processor.Kind(b)
	}

	if n, err = r.count(r.remaining()); err != nil {
		return nil, errors.Wrap(err, "constant count")
	}
	m.Constants = make([]Constant, n)
	for i := range m.Constants {
		c, err := r.readConstant()
		if err != nil {
			return nil, errors.Wrapf(err, "constant %d", i)
		}
		m.Constants[i] = c
	}

	if n, err = r.count(r.remaining()); err != nil {
		return nil, errors.Wrap(err, "helper count")
	}
	m.Helpers = make([]string, n)
	for i := range m.Helpers {
		if m.Helpers[i], err = r.readString(); err != nil {
			return nil, errors.Wrapf(err, "helper %d", i)
		}
	}

	if n, err = r.count(r.remaining()); err != nil {
		return nil, errors.Wrap(err, "method count")
	}
	m.Methods = make([]Method, n)
	for i := range m.Methods {
		meth, err := r.readMethod()
		if err != nil {
			return nil, errors.Wrapf(err, "method %d", i)
		}
		m.Methods[i] = meth
	}
	if r.remaining() != 0 {
		return nil, errors.Newf("%d trailing bytes", r.remaining())
	}
	return m, nil
}

func (r *reader) readConstant() (Constant, error) {
	b, err := r.byte()
	if err != nil {
		return Constant{}, err
	}
	c := Constant{Kind: ConstKind(b)}
	switch c.Kind {
	case ConstInt:
		w, err := r.readWord()
		if err != nil {
			return c, err
		}
		c.Int = int32(w)
	case ConstLong:
		hi, err := r.readWord()
		if err != nil {
			return c, err
		}
		lo, err := r.readWord()
		if err != nil {
			return c, err
		}
		c.Long = int64(uint64(hi)<<32 | uint64(lo))
	case ConstString:
		if c.String, err = r.readString(); err != nil {
			return c, err
		}
	case ConstInts:
		n, err := r.count(r.remaining() / 4)
		if err != nil {
			return c, err
		}
		c.Ints = make([]int32, n)
		for i := range c.Ints {
			w, err := r.readWord()
			if err != nil {
				return c, err
			}
			c.Ints[i] = int32(w)
		}
	default:
		return c, errors.Newf("bad kind %d", b)
	}
	return c, nil
}

func (r *reader) readMethod() (Method, error) {
	var meth Method
	var err error
	if meth.Name, err = r.readString(); err != nil {
		return meth, errors.Wrap(err, "name")
	}
	size, err := r.count(MaxMethodBytes)
	if err != nil {
		return meth, errors.Wrapf(err, "%s: code size", meth.Name)
	}
	if meth.Code, err = r.readBytes(size); err != nil {
		return meth, errors.Wrapf(err, "%s: code", meth.Name)
	}
	n, err := r.count(r.remaining())
	if err != nil {
		return meth, errors.Wrapf(err, "%s: handler count", meth.Name)
	}
	for i := 0; i < n; i++ {
		var h Handler
		for _, p := range []*int32{&h.PC1, &h.PC2, &h.Target} {
			if *p, err = r.operand(); err != nil {
				return meth, errors.Wrapf(err, "%s: handler %d", meth.Name, i)
			}
		}
		meth.Handlers = append(meth.Handlers, h)
	}
	return meth, nil
}
