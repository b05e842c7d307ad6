package device

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/autoscope/model"
)

// Class says how a failure must be handled.
type Class int

const (
	// ClassRetryable failures are transient and retried with backoff.
	ClassRetryable Class = iota
	// ClassFatal failures (hardware fault, rejected command) are never retried.
	ClassFatal
	// ClassTimeout marks an operation that did not complete within its bound.
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is wrapped by every timeout, per call or per operation.
	ErrTimeout = errors.New("device timeout")
	// ErrRejected marks a command the device refused (invalid value or
	// operation, not implemented).
	ErrRejected = errors.New("command rejected")
	// ErrFault marks a hardware fault reported by the driver.
	ErrFault = errors.New("hardware fault")
	// ErrMissingDevice is returned when a required device is not configured.
	ErrMissingDevice = errors.New("required device missing")
)

// Rejected builds a driver error for a refused command.
func Rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Fault builds a driver error for a hardware fault.
func Fault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFault, fmt.Sprintf(format, args...))
}

// Error is the classified failure of one device operation after the retry
// policy has run.
type Error struct {
	Kind  model.DeviceKind
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf classifies err. Errors that carry no classification are assumed
// to be transient communication failures.
func ClassOf(err error) Class {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrFault) || errors.Is(err, ErrMissingDevice) {
		return ClassFatal
	}
	return ClassRetryable
}

// IsRejected reports whether err stems from a refused command.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// IsTimeout reports whether err stems from a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsFatal reports whether err must end the session rather than be counted
// as a recoverable failure.
func IsFatal(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Class == ClassFatal
	}
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrFault) || errors.Is(err, ErrMissingDevice)
}
