package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jackzampolin/folio/internal/providers"
)

const namespace = "folio"

// Recorder exposes extraction metrics as Prometheus collectors on its own
// registry. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	mu      sync.Mutex
	history []Metric

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	extractionsTotal   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	repairAttempts     prometheus.Histogram
	votesTotal         *prometheus.CounterVec
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of model requests",
			},
			[]string{"provider", "model", "stage", "status"},
		),
		llmRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Model request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		llmTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_used_total",
				Help:      "Total number of tokens used",
			},
			[]string{"provider", "model", "type"},
		),
		llmCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_cost_usd_total",
				Help:      "Total reported model cost in USD",
			},
			[]string{"provider", "model"},
		),
		extractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extractions_total",
				Help:      "Total number of extractions by schema mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		extractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "End-to-end extraction duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"mode"},
		),
		repairAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repair_attempts",
				Help:      "Attempts used per extraction unit (1 means no repair)",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
		),
		votesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consistency_votes_total",
				Help:      "Consistency votes by how the winner was decided",
			},
			[]string{"decision"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Record adds one model call.
func (r *Recorder) Record(m Metric) {
	if r == nil {
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.history = append(r.history, m)
	r.mu.Unlock()

	r.llmRequestsTotal.WithLabelValues(m.Provider, m.Model, m.Stage, m.status()).Inc()
	if m.ExecutionSeconds > 0 {
		r.llmRequestDuration.WithLabelValues(m.Provider, m.Model).Observe(m.ExecutionSeconds)
	}
	if m.PromptTokens > 0 {
		r.llmTokensUsed.WithLabelValues(m.Provider, m.Model, "prompt").Add(float64(m.PromptTokens))
	}
	if m.CompletionTokens > 0 {
		r.llmTokensUsed.WithLabelValues(m.Provider, m.Model, "completion").Add(float64(m.CompletionTokens))
	}
	if m.ReasoningTokens > 0 {
		r.llmTokensUsed.WithLabelValues(m.Provider, m.Model, "reasoning").Add(float64(m.ReasoningTokens))
	}
	if m.CostUSD > 0 {
		r.llmCost.WithLabelValues(m.Provider, m.Model).Add(m.CostUSD)
	}
}

// RecordLLMCall records metrics from a completion.
func (r *Recorder) RecordLLMCall(stage string, c *providers.Completion) {
	if r == nil || c == nil {
		return
	}
	m := Metric{
		Stage:            stage,
		Provider:         c.Provider,
		Model:            c.Model,
		CostUSD:          c.CostUSD,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		ReasoningTokens:  c.ReasoningTokens,
		ExecutionSeconds: c.Latency.Seconds(),
		Success:          !c.Refused(),
		CreatedAt:        time.Now(),
	}
	if c.Refused() {
		m.ErrorType = "refused"
	}
	r.Record(m)
}

// RecordError records a call that produced no completion.
func (r *Recorder) RecordError(stage, provider, model, errorType string, duration time.Duration) {
	r.Record(Metric{
		Stage:            stage,
		Provider:         provider,
		Model:            model,
		ExecutionSeconds: duration.Seconds(),
		ErrorType:        errorType,
		CreatedAt:        time.Now(),
	})
}

// RecordExtraction records the outcome of one Extract call.
func (r *Recorder) RecordExtraction(mode, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.extractionsTotal.WithLabelValues(mode, outcome).Inc()
	r.extractionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordAttempts records how many attempts one unit needed.
func (r *Recorder) RecordAttempts(attempts int) {
	if r == nil {
		return
	}
	r.repairAttempts.Observe(float64(attempts))
}

// RecordVote records how a consistency vote was decided.
func (r *Recorder) RecordVote(decision string) {
	if r == nil {
		return
	}
	r.votesTotal.WithLabelValues(decision).Inc()
}
