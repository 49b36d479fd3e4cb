package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitError is returned when the provider answers 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// TransientError marks failures worth retrying: 5xx, gateway errors,
// network failures, timeouts and empty responses.
type TransientError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError is a non-retryable provider error (bad request, auth, ...).
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether err is worth another transport attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the provider's requested delay, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status to a typed error; nil for 200.
func classifyStatus(provider string, status int, body string, header http.Header) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    fmt.Sprintf("%s rate limited: %s", provider, truncate(body, 500)),
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			StatusCode: status,
		}
	case shouldRetryStatus(status):
		return &TransientError{
			Message:    fmt.Sprintf("%s error (status %d): %s", provider, status, truncate(body, 500)),
			StatusCode: status,
		}
	default:
		return &APIError{Provider: provider, StatusCode: status, Message: truncate(body, 500)}
	}
}

// shouldRetryStatus returns true for status codes that should be retried.
func shouldRetryStatus(status int) bool {
	switch status {
	case 413: // Payload Too Large, often a proxy cache hiccup; retried with a nonce
		return true
	case 422: // Unprocessable Entity, same
		return true
	case 520, 521, 522, 523, 524: // Cloudflare errors
		return true
	default:
		return status >= 500
	}
}

// classifyTransport wraps a failure to reach the provider at all.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Message: provider + " request timed out", Err: err}
	}
	return &TransientError{Message: provider + " request failed", Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
