package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/extract"
	"github.com/jackzampolin/folio/internal/invoker"
	"github.com/jackzampolin/folio/internal/prompt"
	"github.com/jackzampolin/folio/internal/schema"
)

// Exit codes by failure class.
const (
	exitError       = 1
	exitInput       = 2
	exitExhausted   = 3
	exitRefused     = 4
	exitUnavailable = 5
	exitCancelled   = 130
)

func exitCode(err error) int {
	var cancelled *extract.CancelledError
	switch {
	case errors.As(err, &cancelled):
		return exitCancelled
	case errors.Is(err, extract.ErrSchemaValidationExhausted):
		return exitExhausted
	case errors.Is(err, invoker.ErrModelRefusal):
		return exitRefused
	case errors.Is(err, invoker.ErrModelUnavailable):
		return exitUnavailable
	case errors.Is(err, schema.ErrInvalidSchema),
		errors.Is(err, document.ErrUnsupportedFormat),
		errors.Is(err, document.ErrCorruptDocument),
		errors.Is(err, prompt.ErrPayloadTooLarge):
		return exitInput
	default:
		return exitError
	}
}

// printError writes err and, for repair exhaustion, the offending fragment.
func printError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err)

	var exhausted *extract.SchemaValidationExhaustedError
	if errors.As(err, &exhausted) && len(exhausted.Fragment) > 0 {
		fmt.Fprintf(w, "Last offending value:\n%s\n", exhausted.Fragment)
	}
	var cancelled *extract.CancelledError
	if errors.As(err, &cancelled) && len(cancelled.CompletedPages) > 0 {
		fmt.Fprintf(w, "Pages completed before cancellation: %v\n", cancelled.CompletedPages)
	}
}
