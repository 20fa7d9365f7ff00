package unit

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

const (
	// MinOperand and MaxOperand bound what the 4-byte operand form holds.
	MinOperand = -1 << 29
	MaxOperand = 1<<29 - 1
)

var ErrOperandRange = errors.New("operand out of range")

// FitsOperand reports whether v has an operand encoding.
func FitsOperand(v int64) bool {
	return v >= MinOperand && v <= MaxOperand
}

// encodeOperand writes a variable-length signed integer:
//
//	[-64, 63]         1 byte  (bits 7-6 = 00 or 01)
//	[-8192, 8191]     2 bytes (bits 7-6 = 10)
//	[-2^29, 2^29 - 1] 4 bytes (bits 7-6 = 11)
func encodeOperand(buf *bytes.Buffer, val int32) {
	if val >= -64 && val <= 63 {
		buf.WriteByte(byte(val) &^ 0x80)
		return
	}
	if val >= -8192 && val <= 8191 {
		buf.WriteByte(byte(val>>8)&^0xC0 | 0x80)
		buf.WriteByte(byte(val))
		return
	}
	buf.WriteByte(byte(val>>24) | 0xC0)
	buf.WriteByte(byte(val >> 16))
	buf.WriteByte(byte(val >> 8))
	buf.WriteByte(byte(val))
}

func encodeWord(buf *bytes.Buffer, val uint32) {
	buf.WriteByte(byte(val >> 24))
	buf.WriteByte(byte(val >> 16))
	buf.WriteByte(byte(val >> 8))
	buf.WriteByte(byte(val))
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// reader wraps a byte slice with a position cursor.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) operand() (int32, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch b & 0xC0 {
	case 0x00:
		return int32(b), nil
	case 0x40:
		return int32(b) | ^0x7F, nil
	case 0x80:
		lo, err := r.byte()
		if err != nil {
			return 0, err
		}
		v := int32(b&0x3F)<<8 | int32(lo)
		if b&0x20 != 0 {
			v |= ^0x3FFF
		}
		return v, nil
	}
	if r.remaining() < 3 {
		return 0, errors.New("truncated operand")
	}
	v := int32(b&0x3F)<<24 | int32(r.data[r.pos])<<16 | int32(r.data[r.pos+1])<<8 | int32(r.data[r.pos+2])
	r.pos += 3
	if b&0x20 != 0 {
		v |= ^0x3FFFFFFF
	}
	return v, nil
}

// count reads a non-negative operand no larger than limit.
func (r *reader) count(limit int) (int, error) {
	n, err := r.operand()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > limit {
		return 0, errors.Newf("count %d out of range", n)
	}
	return int(n), nil
}

func (r *reader) readWord() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.New("truncated word")
	}
	d := r.data[r.pos:]
	r.pos += 4
	return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3]), nil
}

func (r *reader) readString() (string, error) {
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		return "", errors.New("unterminated string")
	}
	s := string(r.data[r.pos : r.pos+end])
	r.pos += end + 1
	return s, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errors.Newf("need %d bytes, have %d", n, r.remaining())
	}
	b := append([]byte(nil), r.data[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}
