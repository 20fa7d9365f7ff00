package compiler

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies why a block could not be compiled. Every kind is
// recoverable: the caller interprets the block instead.
type ErrorKind int

const (
	EmptyBlock ErrorKind = iota + 1
	MalformedBlock
	UnimplementedMicrocode
	SlotExhaustion
	OversizeUnit
	NameCollision
	LoadFailure
)

func (k ErrorKind) String() string {
	switch k {
	case EmptyBlock:
		return "empty block"
	case MalformedBlock:
		return "malformed block"
	case UnimplementedMicrocode:
		return "unimplemented microcode"
	case SlotExhaustion:
		return "slot exhaustion"
	case OversizeUnit:
		return "oversize unit"
	case NameCollision:
		return "name collision"
	case LoadFailure:
		return "load failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type CompileError struct {
	Kind    ErrorKind
	Block   string
	Message string
	Cause   error
}

func (e *CompileError) Error() string {
	msg := e.Kind.String()
	if e.Block != "" {
		msg = e.Block + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// IsCompileError checks if an error is a compile error
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// KindOf returns the kind of a compile error, or 0.
func KindOf(err error) ErrorKind {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// WrapCompileError wraps an existing error as a compile error
func WrapCompileError(kind ErrorKind, block string, err error, message string) *CompileError {
	return &CompileError{Kind: kind, Block: block, Message: message, Cause: err}
}

// CompileErrorf creates a new compile error with formatted message
func CompileErrorf(kind ErrorKind, block string, format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: kind, Block: block, Message: fmt.Sprintf(format, args...)}
}
