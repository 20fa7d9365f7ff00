package processor

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Exception vectors raised by the microcode helpers.
const (
	VectorDivideError       uint8 = 0
	VectorInvalidOpcode     uint8 = 6
	VectorSegmentNotPresent uint8 = 11
	VectorStackFault        uint8 = 12
	VectorGeneralProtection uint8 = 13
	VectorPageFault         uint8 = 14
)

// Fault is a guest exception. It is ordinary control flow for the emulator,
// not a failure of the host.
type Fault struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	// Address is the faulting linear address for page faults.
	Address uint32
}

func (f *Fault) Error() string {
	name := vectorName(f.Vector)
	if f.Vector == VectorPageFault {
		return fmt.Sprintf("%s at 0x%08x (code 0x%x)", name, f.Address, f.ErrorCode)
	}
	if f.HasErrorCode {
		return fmt.Sprintf("%s (code 0x%x)", name, f.ErrorCode)
	}
	return name
}

func vectorName(v uint8) string {
	switch v {
	case VectorDivideError:
		return "#DE"
	case VectorInvalidOpcode:
		return "#UD"
	case VectorSegmentNotPresent:
		return "#NP"
	case VectorStackFault:
		return "#SS"
	case VectorGeneralProtection:
		return "#GP"
	case VectorPageFault:
		return "#PF"
	}
	return fmt.Sprintf("#%d", v)
}

func DivideError() *Fault {
	return &Fault{Vector: VectorDivideError}
}

func GeneralProtection(code uint32) *Fault {
	return &Fault{Vector: VectorGeneralProtection, ErrorCode: code, HasErrorCode: true}
}

func StackFault(code uint32) *Fault {
	return &Fault{Vector: VectorStackFault, ErrorCode: code, HasErrorCode: true}
}

func SegmentNotPresent(selector uint16) *Fault {
	return &Fault{Vector: VectorSegmentNotPresent, ErrorCode: uint32(selector) &^ 3, HasErrorCode: true}
}

func PageFault(addr uint32, write bool) *Fault {
	code := uint32(0)
	if write {
		code |= 2
	}
	return &Fault{Vector: VectorPageFault, ErrorCode: code, HasErrorCode: true, Address: addr}
}

// AsFault extracts a guest fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// FaultRouter delivers a guest fault to the emulated processor, e.g. by
// vectoring through the interrupt table. Returning an error aborts the block.
type FaultRouter interface {
	Route(mode Mode, f *Fault) error
}

// DeliveredFault is one fault accepted by a FaultQueue.
type DeliveredFault struct {
	Mode  Mode
	Fault *Fault
	EIP   uint32
}

// FaultQueue is a FaultRouter that records faults for the execution loop to
// deliver between blocks.
type FaultQueue struct {
	state     *State
	Delivered []DeliveredFault
}

func NewFaultQueue(s *State) *FaultQueue {
	return &FaultQueue{state: s}
}

func (q *FaultQueue) Route(mode Mode, f *Fault) error {
	d := DeliveredFault{Mode: mode, Fault: f}
	if q.state != nil {
		d.EIP = q.state.EIP
	}
	q.Delivered = append(q.Delivered, d)
	return nil
}

// Pending returns the oldest undelivered fault, if any.
func (q *FaultQueue) Pending() (DeliveredFault, bool) {
	if len(q.Delivered) == 0 {
		return DeliveredFault{}, false
	}
	return q.Delivered[0], true
}
