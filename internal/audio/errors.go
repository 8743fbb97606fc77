package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable is returned when an endpoint is unknown or held exclusively elsewhere
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrUnsupportedFormat is returned when no compatible format/access combination exists
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrBackendRejected is returned when the backend refuses to prepare the stream
	ErrBackendRejected = errors.New("backend rejected prepare")
	// ErrWouldBlock marks a transient acquire/release failure worth one retry
	ErrWouldBlock = errors.New("backend has no buffer available")
	// ErrNotRunning marks a backend that left the running state
	ErrNotRunning = errors.New("backend not running")
	// ErrFatalIO wraps every error that terminates the exchange loop
	ErrFatalIO = errors.New("fatal I/O error")
	// ErrEndOfStream is returned by a producer that has no more data
	ErrEndOfStream = errors.New("end of stream")
	// ErrBufferReleased is returned when a released buffer handle is used again
	ErrBufferReleased = errors.New("buffer already released")
	// ErrInvalidState is returned for an operation not allowed in the current state
	ErrInvalidState = errors.New("invalid session state")
)

// BackendError carries the backend's own diagnostic next to the error class
type BackendError struct {
	Backend    string
	Op         string
	Diagnostic string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v (%s)", e.Backend, e.Op, e.Err, e.Diagnostic)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps class (one of the sentinels above) with the backend
// diagnostic taken from cause
func NewBackendError(backend, op string, class, cause error) error {
	diag := ""
	if cause != nil {
		diag = cause.Error()
	}
	return &BackendError{Backend: backend, Op: op, Diagnostic: diag, Err: class}
}

// IsTransient reports whether err is worth one retry inside the loop
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
