package converter

import (
	"errors"
	"fmt"
)

// Sentinel errors for conversion operations.
var (
	// ErrServiceUnavailable indicates the converter could not be reached or
	// answered with a server-side failure.
	ErrServiceUnavailable = errors.New("converter unavailable")

	// ErrRejected indicates the converter refused the document.
	ErrRejected = errors.New("document rejected by converter")

	// ErrTimeout indicates a conversion exceeded its hard timeout.
	ErrTimeout = errors.New("conversion timed out")

	// ErrOutage indicates the converter stayed unhealthy for every probe.
	ErrOutage = errors.New("converter outage")

	// ErrInterrupted indicates the converter process was killed by a signal
	// it did not raise itself. It says nothing about the document.
	ErrInterrupted = errors.New("converter process interrupted")
)

// ConvertError wraps backend failures with context.
type ConvertError struct {
	// Backend is the backend name ("remote" or "local").
	Backend string

	// Source is the input document path.
	Source string

	// Status is the HTTP status for remote failures, zero otherwise.
	Status int

	// Err is the underlying error.
	Err error
}

func (e *ConvertError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s convert %s: status %d: %v", e.Backend, e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s convert %s: %v", e.Backend, e.Source, e.Err)
}

func (e *ConvertError) Unwrap() error {
	return e.Err
}

// IsOutage returns true if the error is an outage-class failure.
func IsOutage(err error) bool {
	return errors.Is(err, ErrOutage)
}

// IsTimeout returns true if the conversion exceeded its hard timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsInterrupted returns true if the converter process died from a signal.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// IsRejected returns true if the converter refused the document.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
