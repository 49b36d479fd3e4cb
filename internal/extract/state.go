package extract

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/folio/internal/aggregate"
	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/invoker"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/response"
	"github.com/jackzampolin/folio/internal/schema"
)

// State is a step of the repair state machine.
type State string

const (
	StateRequesting State = "requesting"
	StateValidating State = "validating"
	StateRepairing  State = "repairing"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

// unit is one independent extraction: the whole document for single-object
// schemas, or one page for page schemas.
type unit struct {
	pages        []document.Page
	schema       *schema.Schema
	instructions string
	parse        func(*providers.Completion, *schema.Schema) response.Result
	sampling     invoker.Sampling
	opts         Options
	logger       *slog.Logger
}

// unitOutcome is what a unit produced on success.
type unitOutcome struct {
	value    any
	attempts PageAttempts
}

// run drives Requesting → Validating → (Succeeded | Repairing → Requesting
// | Exhausted). Each attempt issues ConsistencyK samples; validated samples
// are voted, otherwise the first sample's violation goes into the next
// prompt.
func (e *Extractor) run(ctx context.Context, u *unit) (*unitOutcome, error) {
	indexes := make([]int, len(u.pages))
	for i, p := range u.pages {
		indexes[i] = p.Index
	}

	var (
		state    = StateRequesting
		attempt  int
		failures []schema.Violation
		samples  []*providers.Completion
		valid    []response.Result
		out      = &unitOutcome{attempts: PageAttempts{Pages: indexes}}
	)

	for {
		switch state {
		case StateRequesting:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			attempt++
			payload, err := e.builder.Build(u.schema, u.pages, u.instructions, failures)
			if err != nil {
				return nil, err
			}
			samples, err = e.invoker.InvokeK(ctx, payload, u.sampling, u.opts.ConsistencyK)
			if err != nil {
				return nil, err
			}
			out.attempts.Samples += len(samples)
			state = StateValidating

		case StateValidating:
			valid = valid[:0]
			var first *response.Result
			for _, c := range samples {
				res := u.parse(c, u.schema)
				if res.OK() {
					valid = append(valid, res)
				} else if first == nil {
					r := res
					first = &r
				}
			}
			if len(valid) > 0 {
				state = StateSucceeded
				continue
			}

			failures = append(failures, *first.Violation)
			out.attempts.Violations = append(out.attempts.Violations, *first.Violation)
			u.logger.Info("attempt failed validation",
				"pages", indexes,
				"attempt", attempt,
				"kind", first.Violation.Kind,
				"path", first.Violation.Path)

			if attempt >= u.opts.MaxRepairAttempts {
				state = StateExhausted
			} else {
				state = StateRepairing
			}

		case StateRepairing:
			u.logger.Debug("repairing", "pages", indexes, "next_attempt", attempt+1)
			state = StateRequesting

		case StateSucceeded:
			candidates := make([]aggregate.Candidate, len(valid))
			for i, r := range valid {
				candidates[i] = aggregate.Candidate{Value: r.Value, Order: r.Completion.Order}
			}
			vote, err := aggregate.Vote(candidates, u.opts.VoteKeyPath)
			if err != nil {
				return nil, err
			}
			e.metrics.RecordAttempts(attempt)
			e.metrics.RecordVote(string(vote.Decision))

			out.value = vote.Value
			out.attempts.Attempts = attempt
			out.attempts.Votes = vote.Votes
			out.attempts.Valid = len(valid)
			out.attempts.Decision = string(vote.Decision)
			return out, nil

		case StateExhausted:
			e.metrics.RecordAttempts(attempt)
			last := failures[len(failures)-1]
			return nil, &SchemaValidationExhaustedError{
				Pages:          indexes,
				Attempts:       attempt,
				Violation:      &last,
				Fragment:       last.Fragment,
				LastCompletion: samples[0],
			}
		}
	}
}
