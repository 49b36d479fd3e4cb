// Package metrics provides cost, usage and outcome tracking for extractions.
package metrics

import "time"

// Metric represents a single model call for accounting purposes.
type Metric struct {
	// Stage is "extract" for first attempts and "repair" afterwards.
	Stage string `json:"stage,omitempty"`

	// Provider info
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cost and tokens
	CostUSD          float64 `json:"cost_usd,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`

	// Timing
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// status is the outcome label for the metric.
func (m Metric) status() string {
	if m.Success {
		return "success"
	}
	if m.ErrorType != "" {
		return m.ErrorType
	}
	return "error"
}

// StageFor names the stage of a repair attempt (1-based).
func StageFor(attempt int) string {
	if attempt > 1 {
		return "repair"
	}
	return "extract"
}
