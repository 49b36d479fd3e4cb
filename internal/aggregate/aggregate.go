// Package aggregate combines validated model outputs: consistency voting
// across samples, and ordering of per-page results.
package aggregate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrNoCandidates is returned by Vote when there is nothing to vote on.
var ErrNoCandidates = errors.New("no candidates to vote on")

// Decision names how a vote was won.
type Decision string

const (
	// DecisionMajority means more than half of the candidates agreed.
	DecisionMajority Decision = "majority"
	// DecisionPlurality means a single largest group won without a majority.
	DecisionPlurality Decision = "plurality"
	// DecisionEarliest means the largest groups tied and the one holding the
	// earliest-completed candidate won.
	DecisionEarliest Decision = "earliest"
)

// Candidate is one validated sample.
type Candidate struct {
	Value any
	// Order is the completion order (lower finished first).
	Order int
}

// Outcome is the result of a vote.
type Outcome struct {
	Value    any
	Votes    int
	Total    int
	Majority bool
	Decision Decision
	// Winner is the index into the candidates slice of the returned value.
	Winner int
}

type group struct {
	members  []int // candidate indexes
	earliest int   // lowest Order among members
	first    int   // candidate index with that Order
}

// Vote groups candidates by the canonical JSON of the value at keyPath (a
// dot path, empty for the whole value) and picks a winner: a strict
// majority, else the unique largest group, else the tied group holding the
// earliest-completed candidate. The returned value is the earliest-completed
// member of the winning group.
func Vote(candidates []Candidate, keyPath string) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{}, ErrNoCandidates
	}

	groups := make(map[string]*group)
	var keys []string
	for i, c := range candidates {
		key, err := canonicalKey(c.Value, keyPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("candidate %d: %w", i, err)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{earliest: c.Order, first: i}
			groups[key] = g
			keys = append(keys, key)
		}
		g.members = append(g.members, i)
		if c.Order < g.earliest {
			g.earliest = c.Order
			g.first = i
		}
	}

	// Largest first; ties broken by earliest completion.
	sort.SliceStable(keys, func(a, b int) bool {
		ga, gb := groups[keys[a]], groups[keys[b]]
		if len(ga.members) != len(gb.members) {
			return len(ga.members) > len(gb.members)
		}
		return ga.earliest < gb.earliest
	})

	total := len(candidates)
	win := groups[keys[0]]
	out := Outcome{
		Value:  candidates[win.first].Value,
		Votes:  len(win.members),
		Total:  total,
		Winner: win.first,
	}
	switch {
	case 2*out.Votes > total:
		out.Majority = true
		out.Decision = DecisionMajority
	case len(keys) == 1 || len(groups[keys[1]].members) < out.Votes:
		out.Decision = DecisionPlurality
	default:
		out.Decision = DecisionEarliest
	}
	return out, nil
}

// canonicalKey returns the canonical JSON of the value at keyPath. Object
// keys are sorted by encoding/json; numbers are normalised so 1 and 1.0
// compare equal. A missing path yields "null".
func canonicalKey(v any, keyPath string) (string, error) {
	sub := lookup(v, keyPath)
	raw, err := json.Marshal(normalize(sub))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize value: %w", err)
	}
	return string(raw), nil
}

func lookup(v any, keyPath string) any {
	if keyPath == "" {
		return v
	}
	for _, part := range strings.Split(keyPath, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			v = node[idx]
		default:
			return nil
		}
	}
	return v
}

func normalize(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, val := range n {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, n); err == nil {
			return json.RawMessage(buf.Bytes())
		}
		return n
	default:
		return v
	}
}

// PageResult is the value extracted for one page.
type PageResult struct {
	Index int // 1-based page index
	Value any
}

// PagesError describes a coverage problem in per-page results.
type PagesError struct {
	Missing   []int
	Duplicate []int
	Extra     []int
}

func (e *PagesError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing pages %v", e.Missing))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate pages %v", e.Duplicate))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected pages %v", e.Extra))
	}
	return "incomplete page results: " + strings.Join(parts, ", ")
}

// Pages orders per-page values by page index and checks that the indexes
// are exactly the expected set. When expected is nil, 1..len(results) is
// expected.
func Pages(results []PageResult, expected []int) ([]any, error) {
	if expected == nil {
		expected = make([]int, len(results))
		for i := range expected {
			expected[i] = i + 1
		}
	}
	want := make(map[int]bool, len(expected))
	for _, idx := range expected {
		want[idx] = true
	}

	sorted := make([]PageResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	perr := &PagesError{}
	seen := make(map[int]bool, len(sorted))
	values := make([]any, 0, len(sorted))
	for _, r := range sorted {
		switch {
		case !want[r.Index]:
			perr.Extra = append(perr.Extra, r.Index)
		case seen[r.Index]:
			perr.Duplicate = append(perr.Duplicate, r.Index)
		default:
			seen[r.Index] = true
			values = append(values, r.Value)
		}
	}
	exp := append([]int(nil), expected...)
	sort.Ints(exp)
	for _, idx := range exp {
		if !seen[idx] {
			perr.Missing = append(perr.Missing, idx)
		}
	}

	if len(perr.Missing)+len(perr.Duplicate)+len(perr.Extra) > 0 {
		return nil, perr
	}
	return values, nil
}

// Single returns the only result's value; any other count is an error.
func Single(results []PageResult) (any, error) {
	if len(results) != 1 {
		return nil, fmt.Errorf("expected exactly one result, got %d", len(results))
	}
	return results[0].Value, nil
}
