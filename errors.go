package compute

import (
	"errors"
	"fmt"

	"github.com/gogpu/compute/backend"
)

// Error kinds. Every error returned by this package wraps exactly one of
// them.
var (
	// ErrCompile reports shader source that cannot be loaded, parsed or
	// compiled for the device.
	ErrCompile = errors.New("compile error")

	// ErrBinding reports an unknown entry point, or dispatch variables that
	// do not match the binding layout by name.
	ErrBinding = errors.New("binding error")

	// ErrAllocation reports a buffer that cannot be created.
	ErrAllocation = errors.New("allocation error")

	// ErrTypeMismatch reports a dispatch variable whose value disagrees
	// with its binding.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrDispatch reports invalid dispatch geometry or a failed execution.
	ErrDispatch = errors.New("dispatch error")

	// ErrInteropUnsupported reports interop on a device without it.
	ErrInteropUnsupported = errors.New("interop unsupported")

	// ErrBackendNotAvailable reports a device type that cannot be opened.
	ErrBackendNotAvailable = backend.ErrBackendNotAvailable

	// ErrClosed reports use of a device after Close.
	ErrClosed = backend.ErrClosed
)

// Error is the concrete error type of this package.
type Error struct {
	Op   string // operation, e.g. "LoadProgram"
	Kind error  // one of the Err* kinds
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("compute: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("compute: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// newError builds an *Error whose cause is formatted from format and args.
func newError(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// wrapError wraps err, keeping an existing kind when err already is an
// *Error of this package.
func wrapError(op string, kind error, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Op: op, Kind: e.Kind, Err: e.Err}
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
