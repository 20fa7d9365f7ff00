package semantics

import (
	"github.com/cockroachdb/errors"

	"pcemu/pkg/processor"
)

func control() []Helper {
	return []Helper{
		{Name: "branch", Args: 3, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			if u32(args[0]) != 0 {
				return args[2], nil
			}
			return args[1], nil
		}},
		{Name: "retire", Args: 1, Result: processor.KindVoid, Fn: func(args []processor.Value) (processor.Value, error) {
			cpu, err := cpuArg("retire", args[0])
			if err != nil {
				return processor.Value{}, err
			}
			cpu.Retired++
			return processor.Value{}, nil
		}},
	}
}

func read(name string, size int) Helper {
	return Helper{Name: name, Args: 3, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		addr, err := args[1].Segment().Translate(u32(args[2]), size, false)
		if err != nil {
			return processor.Value{}, err
		}
		v, err := cpu.Memory.Read(addr, size)
		return processor.IntValue(v), err
	}}
}

func write(name string, size int) Helper {
	return Helper{Name: name, Args: 4, Result: processor.KindVoid, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		addr, err := args[1].Segment().Translate(u32(args[2]), size, true)
		if err != nil {
			return processor.Value{}, err
		}
		return processor.Value{}, cpu.Memory.Write(addr, size, u32(args[3]))
	}}
}

func segment(name string, stack bool) Helper {
	return Helper{Name: name, Args: 1, Result: processor.KindRef, Fn: func(args []processor.Value) (processor.Value, error) {
		seg := processor.NewRealSegment(uint16(u32(args[0])))
		seg.Stack = stack
		return processor.RefValue(seg), nil
	}}
}

func descriptor(name string, stack bool) Helper {
	return Helper{Name: name, Args: 2, Result: processor.KindRef, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		seg, err := processor.LoadDescriptor(cpu, uint16(u32(args[1])), stack)
		if err != nil {
			return processor.Value{}, err
		}
		return processor.RefValue(seg), nil
	}}
}

// ioAllowed is the IOPL test shared by protected and virtual-8086 mode; CPL
// is 3 in the latter so only IOPL 3 passes.
func ioAllowed(cpl, iopl processor.Value) error {
	if u32(cpl) > u32(iopl) {
		return processor.GeneralProtection(0)
	}
	return nil
}

func in(name string, size int, checked bool) Helper {
	n := 2
	if checked {
		n = 4
	}
	return Helper{Name: name, Args: n, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		if checked {
			if err := ioAllowed(args[2], args[3]); err != nil {
				return processor.Value{}, err
			}
		}
		if cpu.IO == nil {
			return processor.IntValue(widthMask(uint32(size * 8))), nil
		}
		return processor.IntValue(cpu.IO.In(uint16(u32(args[1])), size)), nil
	}}
}

func out(name string, size int, checked bool) Helper {
	n := 3
	if checked {
		n = 5
	}
	return Helper{Name: name, Args: n, Result: processor.KindVoid, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		if checked {
			if err := ioAllowed(args[3], args[4]); err != nil {
				return processor.Value{}, err
			}
		}
		if cpu.IO != nil {
			cpu.IO.Out(uint16(u32(args[1])), size, u32(args[2])&widthMask(uint32(size*8)))
		}
		return processor.Value{}, nil
	}}
}

func route(name string, mode processor.Mode) Helper {
	return Helper{Name: name, Args: 2, Result: processor.KindVoid, Fn: func(args []processor.Value) (processor.Value, error) {
		cpu, err := cpuArg(name, args[0])
		if err != nil {
			return processor.Value{}, err
		}
		f, ok := args[1].Ref.(*processor.Fault)
		if !ok {
			return processor.Value{}, errors.Newf("%s: no pending fault", name)
		}
		if cpu.Faults == nil {
			return processor.Value{}, nil
		}
		return processor.Value{}, cpu.Faults.Route(mode, f)
	}}
}

func machine() []Helper {
	return []Helper{
		read("read8", 1), read("read16", 2), read("read32", 4),
		write("write8", 1), write("write16", 2), write("write32", 4),

		{Name: "selector", Args: 1, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			seg := args[0].Segment()
			if seg == nil {
				return intResult(0)
			}
			return intResult(uint32(seg.Selector))
		}},
		segment("real_segment", false),
		segment("real_stack_segment", true),
		descriptor("protected_segment", false),
		descriptor("protected_stack_segment", true),

		in("in8", 1, false), in("in32", 4, false),
		out("out8", 1, false), out("out32", 4, false),
		in("in8_checked", 1, true), in("in32_checked", 4, true),
		out("out8_checked", 1, true), out("out32_checked", 4, true),
		{Name: "if_checked", Args: 3, Result: processor.KindInt, Fn: func(args []processor.Value) (processor.Value, error) {
			if err := ioAllowed(args[0], args[1]); err != nil {
				return processor.Value{}, err
			}
			return intResult(u32(args[2]) & 1)
		}},

		route("route_real_fault", processor.ModeReal),
		route("route_protected_fault", processor.ModeProtected),
		route("route_vm86_fault", processor.ModeVirtual8086),
	}
}
