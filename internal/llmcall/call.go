// Package llmcall provides LLM call recording and querying for traceability.
// Every model call an extraction makes is recorded with its prompt hash,
// response and usage.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/folio/internal/providers"
)

// Call represents a recorded LLM API call.
type Call struct {
	// Unique identifier
	ID        string `json:"id"`
	RequestID string `json:"request_id,omitempty"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Extraction context
	PageIndexes       []int `json:"page_indexes,omitempty"`
	Attempt           int   `json:"attempt"`
	Sample            int   `json:"sample"`
	TransportAttempts int   `json:"transport_attempts"`

	// Prompt traceability
	PromptKey  string `json:"prompt_key"`
	PromptHash string `json:"prompt_hash,omitempty"`

	// Model info
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Token usage
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ReasoningTokens int     `json:"reasoning_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`

	// Response
	Response     string `json:"response"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Status
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	PageIndexes       []int
	Attempt           int
	Sample            int
	TransportAttempts int

	PromptKey  string
	PromptHash string

	// Request parameters (pointer to distinguish "not set" from "set to 0")
	Temperature *float64

	// Provider and Model identify failed calls that have no completion.
	Provider string
	Model    string
}

// FromCompletion creates a Call from a completion.
// Returns nil if c is nil.
func FromCompletion(c *providers.Completion, opts RecordOptions) *Call {
	if c == nil {
		return nil
	}
	call := newCall(opts)
	call.RequestID = c.RequestID
	call.LatencyMs = int(c.Latency.Milliseconds())
	call.Provider = c.Provider
	call.Model = c.Model
	call.InputTokens = c.PromptTokens
	call.OutputTokens = c.CompletionTokens
	call.ReasoningTokens = c.ReasoningTokens
	call.CostUSD = c.CostUSD
	call.Response = c.Text
	call.FinishReason = c.FinishReason
	call.Success = !c.Refused()
	if c.Refused() {
		call.Error = "refused"
		if c.Refusal != "" {
			call.Error = "refused: " + c.Refusal
		}
	}
	return call
}

// FromError creates a Call for a request that produced no completion.
func FromError(err error, latency time.Duration, opts RecordOptions) *Call {
	call := newCall(opts)
	call.LatencyMs = int(latency.Milliseconds())
	call.Provider = opts.Provider
	call.Model = opts.Model
	if err != nil {
		call.Error = err.Error()
	}
	return call
}

func newCall(opts RecordOptions) *Call {
	return &Call{
		ID:                uuid.New().String(),
		Timestamp:         time.Now(),
		PageIndexes:       append([]int(nil), opts.PageIndexes...),
		Attempt:           opts.Attempt,
		Sample:            opts.Sample,
		TransportAttempts: opts.TransportAttempts,
		PromptKey:         opts.PromptKey,
		PromptHash:        opts.PromptHash,
		Temperature:       opts.Temperature,
	}
}
