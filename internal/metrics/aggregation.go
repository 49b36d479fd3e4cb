package metrics

import (
	"sort"
)

// DetailedStats provides statistics including latency percentiles and token
// breakdowns over recorded calls.
type DetailedStats struct {
	// Basic counts
	Count        int `json:"count"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`

	// Cost
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`

	// Latency percentiles (seconds)
	LatencyP50 float64 `json:"latency_p50"`
	LatencyP95 float64 `json:"latency_p95"`
	LatencyP99 float64 `json:"latency_p99"`
	LatencyAvg float64 `json:"latency_avg"`
	LatencyMin float64 `json:"latency_min"`
	LatencyMax float64 `json:"latency_max"`

	// Token stats
	TotalPromptTokens     int `json:"total_prompt_tokens"`
	TotalCompletionTokens int `json:"total_completion_tokens"`
	TotalReasoningTokens  int `json:"total_reasoning_tokens"`

	AvgPromptTokens     float64 `json:"avg_prompt_tokens"`
	AvgCompletionTokens float64 `json:"avg_completion_tokens"`
}

// History returns a copy of every recorded metric.
func (r *Recorder) History() []Metric {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metric, len(r.history))
	copy(out, r.history)
	return out
}

// Stats computes detailed statistics over recorded calls. An empty stage
// includes every stage.
func (r *Recorder) Stats(stage string) *DetailedStats {
	var selected []Metric
	for _, m := range r.History() {
		if stage == "" || m.Stage == stage {
			selected = append(selected, m)
		}
	}
	return ComputeStats(selected)
}

// StageStats returns detailed stats grouped by stage.
func (r *Recorder) StageStats() map[string]*DetailedStats {
	byStage := make(map[string][]Metric)
	for _, m := range r.History() {
		byStage[m.Stage] = append(byStage[m.Stage], m)
	}
	out := make(map[string]*DetailedStats, len(byStage))
	for stage, ms := range byStage {
		out[stage] = ComputeStats(ms)
	}
	return out
}

// CostByModel sums reported cost per model.
func (r *Recorder) CostByModel() map[string]float64 {
	out := make(map[string]float64)
	for _, m := range r.History() {
		out[m.Model] += m.CostUSD
	}
	return out
}

// ComputeStats aggregates a set of metrics.
func ComputeStats(metrics []Metric) *DetailedStats {
	stats := &DetailedStats{Count: len(metrics)}
	if len(metrics) == 0 {
		return stats
	}

	var latencies []float64
	for _, m := range metrics {
		stats.TotalCostUSD += m.CostUSD
		if m.Success {
			stats.SuccessCount++
		} else {
			stats.ErrorCount++
		}
		stats.TotalPromptTokens += m.PromptTokens
		stats.TotalCompletionTokens += m.CompletionTokens
		stats.TotalReasoningTokens += m.ReasoningTokens
		if m.ExecutionSeconds > 0 {
			latencies = append(latencies, m.ExecutionSeconds)
		}
	}

	count := float64(stats.Count)
	stats.AvgCostUSD = stats.TotalCostUSD / count
	stats.AvgPromptTokens = float64(stats.TotalPromptTokens) / count
	stats.AvgCompletionTokens = float64(stats.TotalCompletionTokens) / count

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		stats.LatencyMin = latencies[0]
		stats.LatencyMax = latencies[len(latencies)-1]

		var sum float64
		for _, l := range latencies {
			sum += l
		}
		stats.LatencyAvg = sum / float64(len(latencies))

		stats.LatencyP50 = percentile(latencies, 50)
		stats.LatencyP95 = percentile(latencies, 95)
		stats.LatencyP99 = percentile(latencies, 99)
	}
	return stats
}

// percentile calculates the p-th percentile from a sorted slice of values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := (p / 100.0) * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
