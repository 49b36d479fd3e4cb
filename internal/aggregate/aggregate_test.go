package aggregate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(name string, extra ...any) map[string]any {
	m := map[string]any{"name": name}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i].(string)] = extra[i+1]
	}
	return m
}

func TestVote(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		keyPath    string
		wantName   string
		wantVotes  int
		majority   bool
		decision   Decision
		winner     int
	}{
		{
			name:       "single candidate",
			candidates: []Candidate{{Value: obj("a"), Order: 0}},
			wantName:   "a", wantVotes: 1, majority: true, decision: DecisionMajority, winner: 0,
		},
		{
			name: "strict majority",
			candidates: []Candidate{
				{Value: obj("b"), Order: 0},
				{Value: obj("a"), Order: 2},
				{Value: obj("a"), Order: 1},
			},
			wantName: "a", wantVotes: 2, majority: true, decision: DecisionMajority, winner: 2,
		},
		{
			name: "unique plurality without majority",
			candidates: []Candidate{
				{Value: obj("a"), Order: 0},
				{Value: obj("b"), Order: 1},
				{Value: obj("b"), Order: 2},
				{Value: obj("c"), Order: 3},
				{Value: obj("d"), Order: 4},
			},
			wantName: "b", wantVotes: 2, decision: DecisionPlurality, winner: 1,
		},
		{
			name: "tie goes to earliest completed",
			candidates: []Candidate{
				{Value: obj("a"), Order: 2},
				{Value: obj("b"), Order: 0},
				{Value: obj("c"), Order: 1},
			},
			wantName: "b", wantVotes: 1, decision: DecisionEarliest, winner: 1,
		},
		{
			name: "two-two tie",
			candidates: []Candidate{
				{Value: obj("a"), Order: 1},
				{Value: obj("b"), Order: 3},
				{Value: obj("a"), Order: 2},
				{Value: obj("b"), Order: 0},
			},
			wantName: "b", wantVotes: 2, decision: DecisionEarliest, winner: 3,
		},
		{
			name: "key path ignores other fields",
			candidates: []Candidate{
				{Value: obj("x", "email", "a@x"), Order: 0},
				{Value: obj("y", "email", "b@x"), Order: 1},
				{Value: obj("z", "email", "b@x"), Order: 2},
			},
			keyPath:  "email",
			wantName: "y", wantVotes: 2, majority: true, decision: DecisionMajority, winner: 1,
		},
		{
			name: "key order and number form do not matter",
			candidates: []Candidate{
				{Value: map[string]any{"name": "n", "years": json.Number("3")}, Order: 0},
				{Value: map[string]any{"years": json.Number("3.0"), "name": "n"}, Order: 1},
			},
			wantName: "n", wantVotes: 2, majority: true, decision: DecisionMajority, winner: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Vote(tt.candidates, tt.keyPath)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, out.Value.(map[string]any)["name"])
			assert.Equal(t, tt.wantVotes, out.Votes)
			assert.Equal(t, len(tt.candidates), out.Total)
			assert.Equal(t, tt.majority, out.Majority)
			assert.Equal(t, tt.decision, out.Decision)
			assert.Equal(t, tt.winner, out.Winner)
		})
	}
}

func TestVote_Empty(t *testing.T) {
	_, err := Vote(nil, "")
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestVote_NestedKeyPath(t *testing.T) {
	mk := func(company string, order int) Candidate {
		return Candidate{Value: map[string]any{
			"experience": []any{map[string]any{"company": company}},
		}, Order: order}
	}
	out, err := Vote([]Candidate{mk("A", 0), mk("B", 1), mk("B", 2)}, "experience.0.company")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Votes)
	assert.Equal(t, 1, out.Winner)

	// Missing paths compare as null.
	out, err = Vote([]Candidate{mk("A", 0), mk("B", 1)}, "experience.5.company")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Votes)
	assert.Equal(t, 0, out.Winner)
}

func TestPages(t *testing.T) {
	t.Run("reorders by index", func(t *testing.T) {
		values, err := Pages([]PageResult{
			{Index: 3, Value: "c"},
			{Index: 1, Value: "a"},
			{Index: 2, Value: "b"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b", "c"}, values)
	})

	t.Run("explicit selection", func(t *testing.T) {
		values, err := Pages([]PageResult{
			{Index: 7, Value: "g"},
			{Index: 2, Value: "b"},
		}, []int{2, 7})
		require.NoError(t, err)
		assert.Equal(t, []any{"b", "g"}, values)
	})

	t.Run("coverage errors", func(t *testing.T) {
		_, err := Pages([]PageResult{
			{Index: 1, Value: "a"},
			{Index: 1, Value: "a2"},
			{Index: 9, Value: "z"},
		}, []int{1, 2})
		require.Error(t, err)

		var perr *PagesError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, []int{2}, perr.Missing)
		assert.Equal(t, []int{1}, perr.Duplicate)
		assert.Equal(t, []int{9}, perr.Extra)
		assert.Contains(t, err.Error(), "missing pages [2]")
	})
}

func TestSingle(t *testing.T) {
	v, err := Single([]PageResult{{Index: 1, Value: "only"}})
	require.NoError(t, err)
	assert.Equal(t, "only", v)

	_, err = Single(nil)
	assert.Error(t, err)
	_, err = Single([]PageResult{{}, {}})
	assert.Error(t, err)
}
