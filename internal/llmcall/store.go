package llmcall

import (
	"sort"
	"time"
)

// QueryFilter specifies filters for listing recorded calls.
type QueryFilter struct {
	Page      int // 1-based page index; 0 matches every call
	PromptKey string
	Provider  string
	Model     string
	After     *time.Time
	Before    *time.Time
	Success   *bool
	Limit     int
	Offset    int
}

func (f QueryFilter) matches(c Call) bool {
	if f.Page > 0 && !containsPage(c.PageIndexes, f.Page) {
		return false
	}
	if f.PromptKey != "" && c.PromptKey != f.PromptKey {
		return false
	}
	if f.Provider != "" && c.Provider != f.Provider {
		return false
	}
	if f.Model != "" && c.Model != f.Model {
		return false
	}
	if f.After != nil && !c.Timestamp.After(*f.After) {
		return false
	}
	if f.Before != nil && !c.Timestamp.Before(*f.Before) {
		return false
	}
	if f.Success != nil && c.Success != *f.Success {
		return false
	}
	return true
}

func containsPage(pages []int, page int) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}

// List returns recorded calls matching the filter, ordered by page, then
// attempt, then sample.
func (r *Recorder) List(filter QueryFilter) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if filter.matches(c) {
			out = append(out, c)
		}
	}
	SortCalls(out)

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Get returns the call with the given ID.
func (r *Recorder) Get(id string) (*Call, bool) {
	for _, c := range r.Calls() {
		if c.ID == id {
			return &c, true
		}
	}
	return nil, false
}

// SortCalls orders calls by first page index, attempt, sample, then time.
func SortCalls(calls []Call) {
	sort.SliceStable(calls, func(i, j int) bool {
		a, b := calls[i], calls[j]
		if pa, pb := firstPage(a), firstPage(b); pa != pb {
			return pa < pb
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		if a.Sample != b.Sample {
			return a.Sample < b.Sample
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}

func firstPage(c Call) int {
	if len(c.PageIndexes) == 0 {
		return 0
	}
	return c.PageIndexes[0]
}
