package ratelimit

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is returned when the engine is asked about an action that
// has no configuration. This is a programming error in the caller, not a
// rate limit rejection, and must never be translated into a 429.
var ErrUnknownAction = errors.New("unknown rate limit action")

// UnknownActionError reports which action was missing from the catalog.
type UnknownActionError struct {
	Action Action
}

// Error returns a human-readable description of the configuration error.
func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("no rate limit configured for action %q", e.Action)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnknownAction).
func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}
