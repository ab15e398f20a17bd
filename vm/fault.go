package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// FaultKind classifies a fatal execution error.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultInvalidOpcode
	FaultPCOutOfRange
	FaultStackUnderflow
	FaultStackOverflow
	FaultCallStackUnderflow
	FaultCallStackOverflow
	FaultInvalidAddress
	FaultStepLimitExceeded
)

var (
	ErrInvalidOpcode      = bytecode.ErrInvalidOpcode
	ErrPCOutOfRange       = errors.New("vm: pc out of range")
	ErrStackUnderflow     = errors.New("vm: stack underflow")
	ErrStackOverflow      = errors.New("vm: stack overflow")
	ErrCallStackUnderflow = errors.New("vm: call stack underflow")
	ErrCallStackOverflow  = errors.New("vm: call stack overflow")
	ErrInvalidAddress     = errors.New("vm: invalid address")
	ErrStepLimitExceeded  = errors.New("vm: step limit exceeded")
)

var faultNames = [...]string{
	FaultNone:               "None",
	FaultInvalidOpcode:      "InvalidOpcode",
	FaultPCOutOfRange:       "PCOutOfRange",
	FaultStackUnderflow:     "StackUnderflow",
	FaultStackOverflow:      "StackOverflow",
	FaultCallStackUnderflow: "CallStackUnderflow",
	FaultCallStackOverflow:  "CallStackOverflow",
	FaultInvalidAddress:     "InvalidAddress",
	FaultStepLimitExceeded:  "StepLimitExceeded",
}

// String returns the name of the fault kind.
func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", k)
}

// Err returns the sentinel error for the kind, or nil for FaultNone.
func (k FaultKind) Err() error {
	switch k {
	case FaultInvalidOpcode:
		return ErrInvalidOpcode
	case FaultPCOutOfRange:
		return ErrPCOutOfRange
	case FaultStackUnderflow:
		return ErrStackUnderflow
	case FaultStackOverflow:
		return ErrStackOverflow
	case FaultCallStackUnderflow:
		return ErrCallStackUnderflow
	case FaultCallStackOverflow:
		return ErrCallStackOverflow
	case FaultInvalidAddress:
		return ErrInvalidAddress
	case FaultStepLimitExceeded:
		return ErrStepLimitExceeded
	default:
		return nil
	}
}

// ParseFaultKind returns the kind with the given name.
func ParseFaultKind(name string) (FaultKind, bool) {
	for i, n := range faultNames {
		if n == name {
			return FaultKind(i), true
		}
	}
	return FaultNone, false
}

// Fault is the error returned by Execute when a run stops abnormally.
// It records where execution stopped and why; errors.Is matches it against
// the sentinel of its kind.
type Fault struct {
	Kind   FaultKind
	PC     int
	Op     bytecode.Opcode // OpInvalid when the fault happened before decode
	Detail string
}

func (f *Fault) Error() string {
	msg := "vm: fault " + f.Kind.String()
	if base := f.Kind.Err(); base != nil {
		msg = base.Error()
	}
	if f.Op != bytecode.OpInvalid {
		msg = fmt.Sprintf("%s at %04d (%s)", msg, f.PC, f.Op)
	} else {
		msg = fmt.Sprintf("%s at %04d", msg, f.PC)
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

// Unwrap returns the sentinel error for the fault kind.
func (f *Fault) Unwrap() error {
	return f.Kind.Err()
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
