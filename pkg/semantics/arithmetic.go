package semantics

import "pcemu/pkg/processor"

func arithmetic() []Helper {
	return []Helper{
		binary("add32", func(a, b uint32) uint32 { return a + b }),
		binary("sub32", func(a, b uint32) uint32 { return a - b }),
		binary("and32", func(a, b uint32) uint32 { return a & b }),
		binary("or32", func(a, b uint32) uint32 { return a | b }),
		binary("xor32", func(a, b uint32) uint32 { return a ^ b }),
		binary("shl32", func(a, c uint32) uint32 { return a << (c & 31) }),
		binary("shr32", func(a, c uint32) uint32 { return a >> (c & 31) }),
		binary("sar32", func(a, c uint32) uint32 { return uint32(int32(a) >> (c & 31)) }),
		unary("not32", func(a uint32) uint32 { return ^a }),
		unary("neg32", func(a uint32) uint32 { return -a }),
		unary("inc32", func(a uint32) uint32 { return a + 1 }),
		unary("dec32", func(a uint32) uint32 { return a - 1 }),

		unary("sext8", func(a uint32) uint32 { return uint32(int32(int8(a))) }),
		unary("sext16", func(a uint32) uint32 { return uint32(int32(int16(a))) }),
		unary("mask8", func(a uint32) uint32 { return a & 0xff }),
		unary("mask16", func(a uint32) uint32 { return a & 0xffff }),
		unary("hi8", func(a uint32) uint32 { return (a >> 8) & 0xff }),
		binary("merge16", func(old, v uint32) uint32 { return old&0xffff0000 | v&0xffff }),
		binary("merge8lo", func(old, v uint32) uint32 { return old&0xffffff00 | v&0xff }),
		binary("merge8hi", func(old, v uint32) uint32 { return old&0xffff00ff | (v&0xff)<<8 }),

		{Name: "mul64u", Args: 2, Result: processor.KindLong, Fn: func(args []processor.Value) (processor.Value, error) {
			return processor.LongValue(uint64(u32(args[0])) * uint64(u32(args[1]))), nil
		}},
		{Name: "concat64", Args: 2, Result: processor.KindLong, Fn: func(args []processor.Value) (processor.Value, error) {
			return processor.LongValue(uint64(u32(args[0]))<<32 | uint64(u32(args[1]))), nil
		}},
		{Name: "lo32", Args: 1, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			return intResult(uint32(args[0].Int))
		}},
		{Name: "hi32", Args: 1, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			return intResult(uint32(args[0].Int >> 32))
		}},
		{Name: "divq32", Args: 2, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			q, _, err := divide(args[0].Int, u32(args[1]))
			return processor.IntValue(q), err
		}},
		{Name: "divr32", Args: 2, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			_, r, err := divide(args[0].Int, u32(args[1]))
			return processor.IntValue(r), err
		}},
	}
}

// divide is the unsigned EDX:EAX / r/m32 of DIV, raising #DE on a zero
// divisor or a quotient that does not fit.
func divide(dividend uint64, divisor uint32) (uint32, uint32, error) {
	if divisor == 0 {
		return 0, 0, processor.DivideError()
	}
	q := dividend / uint64(divisor)
	if q > 0xffffffff {
		return 0, 0, processor.DivideError()
	}
	return uint32(q), uint32(dividend % uint64(divisor)), nil
}
