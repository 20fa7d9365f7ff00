package microcode

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseInstruction encodes the mnemonic form of one instruction. Tokens are
// op names, each immediate-bearing op followed by its payload in any base
// strconv accepts. Numeric tokens in op position are taken as raw op words so
// uncatalogued microcode can be expressed.
func ParseInstruction(length int, tokens []string) (Instruction, error) {
	in := Instruction{Length: length}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		op, ok := ParseOp(tok)
		if !ok {
			v, err := parseWord(tok)
			if err != nil {
				return Instruction{}, errors.Newf("unknown microcode %q", tok)
			}
			in.Words = append(in.Words, v)
			continue
		}
		in.Words = append(in.Words, int32(op))
		if op.HasImmediate() {
			if i+1 >= len(tokens) {
				return Instruction{}, errors.Newf("%s needs an immediate", op)
			}
			i++
			v, err := parseWord(tokens[i])
			if err != nil {
				return Instruction{}, errors.Wrapf(err, "immediate of %s", op)
			}
			in.Words = append(in.Words, v)
		}
	}
	return in, nil
}

func parseWord(tok string) (int32, error) {
	v, err := strconv.ParseInt(tok, 0, 64)
	if err != nil {
		return 0, err
	}
	if v < -1<<31 || v > 1<<32-1 {
		return 0, errors.Newf("%s does not fit in 32 bits", tok)
	}
	return int32(v), nil
}

// Assemble builds a source from a listing with one instruction per line or
// per '|' separated field, written as "<length>: OP OP imm ...". Text after
// '#' is ignored.
func Assemble(text string) (*SliceSource, error) {
	var instrs []Instruction
	for lineNo, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, field := range strings.Split(line, "|") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			lenText, body, ok := strings.Cut(field, ":")
			if !ok {
				return nil, errors.Newf("line %d: missing instruction length in %q", lineNo+1, field)
			}
			length, err := strconv.Atoi(strings.TrimSpace(lenText))
			if err != nil || length <= 0 {
				return nil, errors.Newf("line %d: bad instruction length %q", lineNo+1, lenText)
			}
			in, err := ParseInstruction(length, strings.Fields(body))
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo+1)
			}
			instrs = append(instrs, in)
		}
	}
	return NewSliceSource(instrs...), nil
}

// MustAssemble is Assemble for fixed listings in tests and tables.
func MustAssemble(text string) *SliceSource {
	s, err := Assemble(text)
	if err != nil {
		panic(err)
	}
	return s
}
