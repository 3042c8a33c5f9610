package quota

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrRemoteUnavailable is returned (wrapped) when the remote limiter
	// cannot be contacted or answers with a server error.
	ErrRemoteUnavailable = errors.New("remote limiter unavailable")
)

// QuotaError is the base error type for non-2xx responses from the remote
// limiter that are not availability problems (bad request, unknown action).
type QuotaError struct {
	// Code is a machine-readable error code, e.g. "HTTP_400".
	Code string
	// Err is the underlying error.
	Err error
}

// Error returns the error message.
func (e *QuotaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quota [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("quota [%s]", e.Code)
}

// Unwrap returns the underlying error.
func (e *QuotaError) Unwrap() error {
	return e.Err
}

// RemoteUnavailableError is returned when the remote limiter cannot be
// reached or answers with a server error. The quota client recovers from it
// by switching to the local fallback limiter; callers normally never see it.
type RemoteUnavailableError struct {
	// Cause is the underlying network or HTTP error.
	Cause error
}

// Error returns a human-readable description of the failure.
func (e *RemoteUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("remote limiter unreachable: %v", e.Cause)
	}
	return "remote limiter unreachable"
}

// Unwrap returns the underlying cause.
func (e *RemoteUnavailableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRemoteUnavailable).
func (e *RemoteUnavailableError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}
