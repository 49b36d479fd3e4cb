package llmcall

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackzampolin/folio/internal/providers"
)

// Recorder keeps the calls made during one extraction, in record order.
// A nil *Recorder discards everything.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	logger *slog.Logger
}

// NewRecorder creates a new LLM call recorder. Each recorded call is also
// logged at info level with its token usage.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger.With("component", "llmcall")}
}

// Record captures a completed call.
func (r *Recorder) Record(c *providers.Completion, opts RecordOptions) {
	r.RecordCall(FromCompletion(c, opts))
}

// RecordCall captures an already-constructed Call.
func (r *Recorder) RecordCall(call *Call) {
	if r == nil || call == nil {
		return
	}

	r.mu.Lock()
	r.calls = append(r.calls, *call)
	r.mu.Unlock()

	attrs := []any{
		"provider", call.Provider,
		"model", call.Model,
		"pages", call.PageIndexes,
		"attempt", call.Attempt,
		"sample", call.Sample,
		"input_tokens", call.InputTokens,
		"output_tokens", call.OutputTokens,
		"latency_ms", call.LatencyMs,
	}
	if call.Success {
		r.logger.Info("llm call", attrs...)
	} else {
		r.logger.Warn("llm call failed", append(attrs, "error", call.Error)...)
	}
}

// Calls returns a copy of every recorded call.
func (r *Recorder) Calls() []Call {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Usage sums token counts and cost over the recorded calls.
type Usage struct {
	Calls           int     `json:"calls"`
	FailedCalls     int     `json:"failed_calls"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ReasoningTokens int     `json:"reasoning_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
}

// Usage returns totals over every recorded call.
func (r *Recorder) Usage() Usage {
	return Summarize(r.Calls())
}

// Summarize totals a set of calls.
func Summarize(calls []Call) Usage {
	var u Usage
	for _, c := range calls {
		u.Calls++
		if !c.Success {
			u.FailedCalls++
		}
		u.InputTokens += c.InputTokens
		u.OutputTokens += c.OutputTokens
		u.ReasoningTokens += c.ReasoningTokens
		u.CostUSD += c.CostUSD
	}
	return u
}

type recorderKey struct{}

// WithRecorder returns a context whose model calls are also recorded to r.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the recorder attached to ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}
