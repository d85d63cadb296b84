package service

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrTerminalState     = errors.New("already in a terminal state")
	ErrTrackNotPersisted = errors.New("track not persisted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRunning    = errors.New("already running")
	// ErrCanceled is the cancel cause used by reset.
	ErrCanceled = errors.New("canceled")
)

// ValidationError is a request problem reported to the caller as-is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ProviderFailureError means the provider explicitly reported failure, or
// answered in a shape we refuse to interpret.
type ProviderFailureError struct {
	Reason string
}

func (e *ProviderFailureError) Error() string {
	return fmt.Sprintf("provider reported failure: %s", e.Reason)
}

// PanicError is a panic recovered from a background unit. The unit is
// failed with a generic reason; Value and Stack go to the log only.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return "internal error" }

// PollTimeoutError means the attempt budget ran out without a result.
type PollTimeoutError struct {
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %d polls", e.Attempts)
}
