package kernel

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid kernel config")
	ErrPrecondition  = errors.New("precondition violated")
	ErrSharedMemory  = errors.New("shared memory limit exceeded")
	ErrExecution     = errors.New("kernel execution failed")
	ErrNoKernel      = errors.New("no kernel instance")
)

// PreconditionError rejects an argument before any block runs.
type PreconditionError struct {
	Arg    string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Arg, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}

func preconditionf(arg, format string, args ...any) error {
	return &PreconditionError{Arg: arg, Reason: fmt.Sprintf(format, args...)}
}

// Preconditionf builds a PreconditionError for callers validating their own
// arguments ahead of a launch.
func Preconditionf(arg, format string, args ...any) error {
	return preconditionf(arg, format, args...)
}

// SharedMemoryError reports a working buffer the device cannot provide even
// after raising the kernel's attribute to the device limit.
type SharedMemoryError struct {
	Kernel    string
	Requested int
	Limit     int
}

func (e *SharedMemoryError) Error() string {
	return fmt.Sprintf("%s: working buffer of %d bytes exceeds device limit of %d bytes", e.Kernel, e.Requested, e.Limit)
}

func (e *SharedMemoryError) Unwrap() error {
	return ErrSharedMemory
}

// ExecutionError is a fault raised inside a block. Output written by the
// launch is not valid.
type ExecutionError struct {
	Batch, Head, Group int
	Cause              any
}

func (e *ExecutionError) Error() string {
	if e.Group < 0 {
		return fmt.Sprintf("block (%d, %d): %v", e.Batch, e.Head, e.Cause)
	}
	if err, ok := e.Cause.(error); ok {
		return fmt.Sprintf("block (%d, %d) group %d: %v", e.Batch, e.Head, e.Group, err)
	}
	return fmt.Sprintf("block (%d, %d) group %d: %v", e.Batch, e.Head, e.Group, e.Cause)
}

func (e *ExecutionError) Unwrap() []error {
	if err, ok := e.Cause.(error); ok {
		return []error{ErrExecution, err}
	}
	return []error{ErrExecution}
}
