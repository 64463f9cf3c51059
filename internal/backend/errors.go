package backend

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is returned when pause or resume is invoked on
// a backend lacking that capability. Callers should have checked
// SupportsPause first.
var ErrUnsupportedOperation = errors.New("operation not supported by backend")

// StartupFailedError reports a failed proxy start. The proxy is never
// marked reachable and every partially-created resource has been rolled
// back by the backend before this error is returned; the diagnostic is
// also attached to the startup log. The caller may retry.
type StartupFailedError struct {
	ProxyID    string
	Diagnostic string
	Err        error
}

func (e *StartupFailedError) Error() string {
	return fmt.Sprintf("proxy %s failed to start: %s", e.ProxyID, e.Diagnostic)
}

func (e *StartupFailedError) Unwrap() error { return e.Err }

// Error reports an infrastructure fault unrelated to a specific start,
// e.g. the backend being unreachable. No state change is assumed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("container backend: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
