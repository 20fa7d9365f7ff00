package processor

import (
	"encoding/binary"
	"fmt"
)

// Memory is the linear address space seen by the segment-translated
// accessors. Sizes are 1, 2 or 4 bytes, little-endian.
type Memory interface {
	Read(addr uint32, size int) (uint32, error)
	Write(addr uint32, size int, value uint32) error
}

// LinearMemory is flat RAM starting at linear address zero. Accesses past the
// end raise a page fault.
type LinearMemory struct {
	data []byte
}

func NewLinearMemory(size int) *LinearMemory {
	return &LinearMemory{data: make([]byte, size)}
}

// Bytes exposes the backing store.
func (m *LinearMemory) Bytes() []byte {
	return m.data
}

func (m *LinearMemory) Read(addr uint32, size int) (uint32, error) {
	if uint64(addr)+uint64(size) > uint64(len(m.data)) {
		return 0, PageFault(addr, false)
	}
	b := m.data[addr:]
	switch size {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return binary.LittleEndian.Uint32(b), nil
	}
	panic(fmt.Sprintf("processor: bad access size %d", size))
}

func (m *LinearMemory) Write(addr uint32, size int, value uint32) error {
	if uint64(addr)+uint64(size) > uint64(len(m.data)) {
		return PageFault(addr, true)
	}
	b := m.data[addr:]
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, value)
	default:
		panic(fmt.Sprintf("processor: bad access size %d", size))
	}
	return nil
}

// IOBus is the port address space.
type IOBus interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)
}

// PortWrite records one OUT.
type PortWrite struct {
	Port  uint16
	Size  int
	Value uint32
}

// PortLatch is an IOBus that returns the last value written to a port and
// logs every write in order.
type PortLatch struct {
	values map[uint16]uint32
	Writes []PortWrite
	Reads  int
}

func NewPortLatch() *PortLatch {
	return &PortLatch{values: make(map[uint16]uint32)}
}

// Preset sets the value a later IN from port returns.
func (p *PortLatch) Preset(port uint16, value uint32) {
	p.values[port] = value
}

func (p *PortLatch) In(port uint16, size int) uint32 {
	p.Reads++
	v := p.values[port]
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	}
	return v
}

func (p *PortLatch) Out(port uint16, size int, value uint32) {
	p.values[port] = value
	p.Writes = append(p.Writes, PortWrite{Port: port, Size: size, Value: value})
}
