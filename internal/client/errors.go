package client

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnsupportedTask = errors.New("task kind not supported by provider")
	ErrNotConfigured   = errors.New("provider not configured")
)

// APIError is a non-success answer from a provider, either a non-2xx HTTP
// status or an error code inside the response envelope.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// EnvelopeError means the response parsed but did not match the expected
// shape: a missing task id, an unknown status, a success without audio.
type EnvelopeError struct {
	Provider string
	Field    string
	Detail   string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: unexpected response envelope (%s): %s", e.Provider, e.Field, e.Detail)
}

// FieldBody marks a response whose body could not be decoded at all.
const FieldBody = "body"

// Unreadable reports whether the body itself failed to decode, as opposed to
// a decoded envelope with an unexpected shape.
func (e *EnvelopeError) Unreadable() bool { return e.Field == FieldBody }

// SubmissionError is returned after every submit attempt failed.
type SubmissionError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit to %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
