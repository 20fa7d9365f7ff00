package main

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

// Listing is a block and the machine it runs on, as read from YAML:
//
//	mode: real
//	instructions:
//	  - length: 5
//	    ops: LOAD0_ID 5 STORE0_EAX
//	registers: {EBX: 3}
//	eip: 0x100
//	memory: {0x200: 0xdeadbeef}
//	ports: {0x60: 0xab}
type Listing struct {
	Mode         string            `yaml:"mode"`
	Instructions []Instruction     `yaml:"instructions"`
	Registers    map[string]uint32 `yaml:"registers"`
	EIP          uint32            `yaml:"eip"`
	MemorySize   int               `yaml:"memory_size"`
	Memory       map[uint32]uint32 `yaml:"memory"`
	Ports        map[uint16]uint32 `yaml:"ports"`
}

type Instruction struct {
	Length int    `yaml:"length"`
	Ops    string `yaml:"ops"`
}

const defaultMemorySize = 1 << 20

func readListing(path string) (*Listing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseListing(data)
}

func parseListing(data []byte) (*Listing, error) {
	var l Listing
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "parse listing")
	}
	if l.Mode == "" {
		l.Mode = "real"
	}
	if l.MemorySize == 0 {
		l.MemorySize = defaultMemorySize
	}
	return &l, nil
}

func (l *Listing) ProcessorMode() (processor.Mode, error) {
	return processor.ParseMode(l.Mode)
}

// Source assembles the instructions.
func (l *Listing) Source() (*microcode.SliceSource, error) {
	instrs := make([]microcode.Instruction, 0, len(l.Instructions))
	for i, in := range l.Instructions {
		if in.Length <= 0 {
			return nil, errors.Newf("instruction %d: bad length %d", i, in.Length)
		}
		parsed, err := microcode.ParseInstruction(in.Length, strings.Fields(in.Ops))
		if err != nil {
			return nil, errors.Wrapf(err, "instruction %d", i)
		}
		instrs = append(instrs, parsed)
	}
	return microcode.NewSliceSource(instrs...), nil
}

// Machine builds a fresh processor for the listing. Every call returns an
// independent state with its own memory and ports.
func (l *Listing) Machine() (*processor.State, *processor.LinearMemory, *processor.PortLatch, *processor.FaultQueue, error) {
	m, err := l.ProcessorMode()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mem := processor.NewLinearMemory(l.MemorySize)
	s := processor.NewRealState(mem)
	s.Mode = m
	s.EIP = l.EIP
	if m == processor.ModeVirtual8086 {
		s.CPL = 3
	}
	for name, v := range l.Registers {
		e, ok := processor.ParseElement(strings.ToUpper(name))
		if !ok || !e.Architectural() || e.Kind() != processor.KindInt {
			return nil, nil, nil, nil, errors.Newf("cannot preset %q", name)
		}
		s.Set(e, processor.IntValue(v))
	}
	for addr, v := range l.Memory {
		if err := mem.Write(addr, 4, v); err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "memory %#x", addr)
		}
	}
	ports := processor.NewPortLatch()
	for port, v := range l.Ports {
		ports.Preset(port, v)
	}
	s.IO = ports
	q := processor.NewFaultQueue(s)
	s.Faults = q
	return s, mem, ports, q, nil
}
