package semantics

import (
	"math/bits"

	"pcemu/pkg/processor"
)

// Flag helpers recover the flag from the result and the second operand of
// the operation; the first operand is implied. width is 8, 16 or 32.

func widthMask(width uint32) uint32 {
	if width >= 32 {
		return 0xffffffff
	}
	return 1<<width - 1
}

func signBit(width uint32) uint32 {
	return 1 << (width - 1)
}

func flag3(name string, f func(res, op, width uint32) bool) Helper {
	return Helper{Name: name, Args: 3, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		return boolResult(f(u32(args[0]), u32(args[1]), u32(args[2])))
	}}
}

func flag2(name string, f func(res, width uint32) bool) Helper {
	return Helper{Name: name, Args: 2, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		return boolResult(f(u32(args[0]), u32(args[1])))
	}}
}

func flag1(name string, f func(v uint32) bool) Helper {
	return Helper{Name: name, Args: 1, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		return boolResult(f(u32(args[0])))
	}}
}

func flags() []Helper {
	return []Helper{
		flag3("cf_add", func(res, op, w uint32) bool {
			m := widthMask(w)
			return res&m < op&m
		}),
		flag3("cf_sub", func(res, op, w uint32) bool {
			m := widthMask(w)
			orig := (res + op) & m
			return orig < op&m
		}),
		flag3("of_add", func(res, op, w uint32) bool {
			orig := res - op
			return (orig^res)&(op^res)&signBit(w) != 0
		}),
		flag3("of_sub", func(res, op, w uint32) bool {
			orig := res + op
			return (orig^op)&(orig^res)&signBit(w) != 0
		}),
		flag3("af_add", func(res, op, _ uint32) bool {
			orig := res - op
			return (orig^op^res)&0x10 != 0
		}),
		flag3("af_sub", func(res, op, _ uint32) bool {
			orig := res + op
			return (orig^op^res)&0x10 != 0
		}),
		flag2("zf", func(res, w uint32) bool { return res&widthMask(w) == 0 }),
		flag2("sf", func(res, w uint32) bool { return res&signBit(w) != 0 }),
		flag1("pf", func(res uint32) bool { return bits.OnesCount8(uint8(res))%2 == 0 }),
		flag1("of_inc", func(res uint32) bool { return res == 0x80000000 }),
		flag1("of_dec", func(res uint32) bool { return res == 0x7fffffff }),
		flag1("af_inc", func(res uint32) bool { return res&0xf == 0 }),
		flag1("af_dec", func(res uint32) bool { return res&0xf == 0xf }),
		flag1("not1", func(v uint32) bool { return v&1 == 0 }),
		flag1("nonzero", func(v uint32) bool { return v != 0 }),
	}
}
