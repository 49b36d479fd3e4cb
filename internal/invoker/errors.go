package invoker

import (
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable is matched by ModelUnavailableError via errors.Is.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelRefusal is matched by ModelRefusalError via errors.Is.
	ErrModelRefusal = errors.New("model refused")
)

// ModelUnavailableError is returned when the provider could not produce a
// completion within the transport retry ceiling, or failed with a
// non-retryable error.
type ModelUnavailableError struct {
	Attempts int
	Err      error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

func (e *ModelUnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// ModelRefusalError is returned when the model declines the request.
type ModelRefusalError struct {
	Reason string
	Text   string
}

func (e *ModelRefusalError) Error() string {
	if e.Reason == "" {
		return ErrModelRefusal.Error()
	}
	return fmt.Sprintf("%s: %s", ErrModelRefusal, e.Reason)
}

func (e *ModelRefusalError) Is(target error) bool { return target == ErrModelRefusal }
