package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/schema"
)

var (
	// ErrSchemaValidationExhausted is matched by
	// SchemaValidationExhaustedError via errors.Is.
	ErrSchemaValidationExhausted = errors.New("schema validation exhausted")
	// ErrNonConformant is returned when an aggregated value fails the final
	// conformance check.
	ErrNonConformant = errors.New("aggregated value does not conform to schema")
)

// SchemaValidationExhaustedError is returned when no sample validated
// within MaxRepairAttempts attempts.
type SchemaValidationExhaustedError struct {
	Pages    []int
	Attempts int
	// Violation is the one reported for the final attempt.
	Violation *schema.Violation
	// Fragment is the offending JSON from the final attempt.
	Fragment       json.RawMessage
	LastCompletion *providers.Completion
}

func (e *SchemaValidationExhaustedError) Error() string {
	msg := fmt.Sprintf("schema validation failed after %d attempt(s)", e.Attempts)
	if len(e.Pages) > 0 {
		msg += fmt.Sprintf(" for pages %v", e.Pages)
	}
	if e.Violation != nil {
		msg += ": " + e.Violation.Error()
	}
	return msg
}

func (e *SchemaValidationExhaustedError) Is(target error) bool {
	return target == ErrSchemaValidationExhausted
}

// CancelledError is returned when the request's context ends before the
// extraction completes. It never carries a partial result.
type CancelledError struct {
	CompletedPages []int
	Err            error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("extraction cancelled after %d completed page(s): %v", len(e.CompletedPages), e.Err)
}

func (e *CancelledError) Unwrap() error {
	if e.Err == nil {
		return context.Canceled
	}
	return e.Err
}

// Is reports context.Canceled for deadline expiry too, so callers can test
// for cancellation uniformly.
func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}

// NonConformantError wraps the violation found by the final check.
type NonConformantError struct {
	Violation *schema.Violation
}

func (e *NonConformantError) Error() string {
	return fmt.Sprintf("%s: %v", ErrNonConformant, e.Violation)
}

func (e *NonConformantError) Is(target error) bool { return target == ErrNonConformant }
