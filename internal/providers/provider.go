// Package providers adapts hosted vision-language models to a single
// completion interface used by the invoker.
//
// Clients make exactly one request per Complete call and classify failures
// (RateLimitError, TransientError, APIError); retrying is the caller's job.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// ModelClient sends one multimodal completion request.
type ModelClient interface {
	// Complete sends the request and returns the model's text.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string

	// Model returns the default model used when Request.Model is empty.
	Model() string
}

// Image is one page image attached to a request.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is one model call.
type Request struct {
	System string
	User   string
	Images []Image

	// Model selection (uses client default if empty)
	Model string

	// Generation parameters
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// JSONSchema, when set, asks the provider for schema-constrained output.
	// Providers that cannot honour it ignore it; the response is validated
	// locally either way.
	JSONSchema json.RawMessage
	SchemaName string

	// Request tracking
	RequestID string
	// TransportAttempt is 1 for the first send of a request and increases
	// on each transport retry.
	TransportAttempt int
}

// Completion is the model's answer to one Request.
type Completion struct {
	Text string `json:"text"`

	// FinishReason as reported by the provider ("stop", "length",
	// "content_filter", ...).
	FinishReason string `json:"finish_reason,omitempty"`
	// Refusal carries an explicit refusal message when the provider
	// reports one separately from the text.
	Refusal string `json:"refusal,omitempty"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD float64       `json:"cost_usd,omitempty"`
	Latency time.Duration `json:"latency"`

	// Provider info
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`

	// Set by the invoker: the pages covered, the repair attempt (1-based)
	// and the consistency sample (0-based) this completion answers.
	PageIndexes []int `json:"page_indexes,omitempty"`
	Attempt     int   `json:"attempt,omitempty"`
	Sample      int   `json:"sample"`
	// Order is the position in which this completion finished among the
	// samples of the same attempt (0-based).
	Order int `json:"order"`
	// TransportAttempts counts sends including retries.
	TransportAttempts int `json:"transport_attempts,omitempty"`
}

// Refused reports whether the provider flagged the completion as a refusal.
func (c *Completion) Refused() bool {
	return c.Refusal != "" || c.FinishReason == "content_filter"
}
