package office

import (
	"errors"
	"fmt"
)

// Sentinel errors for controller operations.
var (
	// ErrNotRunning indicates the application has no live session.
	ErrNotRunning = errors.New("application not running")

	// ErrStartFailed indicates every start attempt failed.
	ErrStartFailed = errors.New("application failed to start")

	// ErrIllegalTransition indicates a lifecycle call in the wrong state.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrSessionClosed indicates the bridge process went away mid-call.
	ErrSessionClosed = errors.New("session closed")
)

// OpenError wraps a failure of one step of OpenThenClose.
type OpenError struct {
	// Op is the step that failed: "open", "export" or "close".
	Op string

	// Path is the document path.
	Path string

	// Err is the underlying error.
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IsExportFailure reports whether err failed only while exporting the
// fixed-layout artifact; the document itself opened.
func IsExportFailure(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe) && oe.Op == "export"
}
