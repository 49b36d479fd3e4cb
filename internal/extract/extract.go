// Package extract runs the extraction pipeline: prompt, invoke, parse and
// repair for each unit of work, then aggregate into one conformant value.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/folio/internal/aggregate"
	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/invoker"
	"github.com/jackzampolin/folio/internal/llmcall"
	"github.com/jackzampolin/folio/internal/metrics"
	"github.com/jackzampolin/folio/internal/prompt"
	"github.com/jackzampolin/folio/internal/response"
	"github.com/jackzampolin/folio/internal/schema"
)

// Defaults applied to zero-valued Options.
const (
	DefaultConsistencyK      = 1
	DefaultMaxRepairAttempts = 3
	DefaultConcurrency       = 4
	// DefaultVotingTemperature is used when K > 1 and no temperature is set,
	// so samples can disagree.
	DefaultVotingTemperature = 0.7
)

// Options tunes one extraction.
type Options struct {
	// ConsistencyK is the number of samples per attempt.
	ConsistencyK int
	// MaxRepairAttempts counts total attempts per unit, including the first.
	MaxRepairAttempts int
	// Concurrency bounds how many pages are in flight at once.
	Concurrency int
	Sampling    invoker.Sampling
	// VoteKeyPath restricts vote equality to a dot path inside each value.
	VoteKeyPath string
	// StructuredOutput passes the (page) schema to the provider for
	// schema-constrained decoding.
	StructuredOutput bool
}

// withDefaults fills zero fields from d, then from the package defaults.
func (o Options) withDefaults(d Options) Options {
	if o.ConsistencyK <= 0 {
		o.ConsistencyK = d.ConsistencyK
	}
	if o.ConsistencyK <= 0 {
		o.ConsistencyK = DefaultConsistencyK
	}
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = d.MaxRepairAttempts
	}
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.VoteKeyPath == "" {
		o.VoteKeyPath = d.VoteKeyPath
	}
	if !o.StructuredOutput {
		o.StructuredOutput = d.StructuredOutput
	}

	s, ds := o.Sampling, d.Sampling
	if s.Model == "" {
		s.Model = ds.Model
	}
	if s.Temperature == 0 {
		s.Temperature = ds.Temperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = ds.MaxTokens
	}
	if s.Timeout == 0 {
		s.Timeout = ds.Timeout
	}
	if o.ConsistencyK > 1 && s.Temperature == 0 {
		s.Temperature = DefaultVotingTemperature
	}
	o.Sampling = s
	return o
}

// Request is one extraction.
type Request struct {
	Document     *document.Document
	Schema       *schema.Schema
	Instructions string
	Options      Options
}

// PageAttempts summarises the work done for one unit.
type PageAttempts struct {
	Pages      []int              `json:"pages"`
	Attempts   int                `json:"attempts"`
	Samples    int                `json:"samples"`
	Valid      int                `json:"valid"`
	Votes      int                `json:"votes"`
	Decision   string             `json:"decision,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
}

// Result is a successful extraction. Value conforms to the request schema:
// an object for single-object schemas, a page-ordered []any for page
// schemas.
type Result struct {
	Value    any            `json:"value"`
	Mode     schema.Mode    `json:"mode"`
	Attempts []PageAttempts `json:"attempts"`
	Calls    []llmcall.Call `json:"calls,omitempty"`
	Usage    llmcall.Usage  `json:"usage"`
	Duration time.Duration  `json:"duration"`
}

// Config configures an Extractor.
type Config struct {
	Builder *prompt.Builder
	Invoker *invoker.Invoker
	Metrics *metrics.Recorder
	// Defaults fill zero-valued request options.
	Defaults Options
	Logger   *slog.Logger
}

// Extractor runs extractions. Safe for concurrent use.
type Extractor struct {
	builder  *prompt.Builder
	invoker  *invoker.Invoker
	metrics  *metrics.Recorder
	defaults Options
	logger   *slog.Logger
}

// New creates an extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Builder == nil {
		return nil, fmt.Errorf("extract: prompt builder is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("extract: invoker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		builder:  cfg.Builder,
		invoker:  cfg.Invoker,
		metrics:  cfg.Metrics,
		defaults: cfg.Defaults,
		logger:   logger.With("component", "extract"),
	}, nil
}

// Extract runs the request to a conformant value or a typed error.
func (e *Extractor) Extract(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Schema == nil {
		return nil, fmt.Errorf("extract: schema is required")
	}
	if req.Document == nil || len(req.Document.Pages) == 0 {
		return nil, fmt.Errorf("extract: document has no pages")
	}
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Err: err}
	}

	start := time.Now()
	opts := req.Options.withDefaults(e.defaults)
	mode := req.Schema.Mode
	if mode == "" {
		mode = schema.ModeSingle
	}

	calls := llmcall.NewRecorder(e.logger)
	ctx = llmcall.WithRecorder(ctx, calls)

	logger := e.logger.With("schema", req.Schema.Name, "mode", mode, "pages", len(req.Document.Pages))
	logger.Info("extraction started", "k", opts.ConsistencyK, "max_attempts", opts.MaxRepairAttempts)

	var (
		value    any
		attempts []PageAttempts
		err      error
	)
	if mode == schema.ModePages {
		value, attempts, err = e.extractPages(ctx, req, opts, logger)
	} else {
		value, attempts, err = e.extractSingle(ctx, req, opts, logger)
	}

	if err == nil {
		if v := req.Schema.Validate(value); v != nil {
			err = &NonConformantError{Violation: v}
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordExtraction(string(mode), outcome(err), elapsed)
		logger.Warn("extraction failed", "error", err, "duration", elapsed)
		return nil, err
	}
	e.metrics.RecordExtraction(string(mode), "success", elapsed)

	all := calls.List(llmcall.QueryFilter{})
	res := &Result{
		Value:    value,
		Mode:     mode,
		Attempts: attempts,
		Calls:    all,
		Usage:    llmcall.Summarize(all),
		Duration: elapsed,
	}
	logger.Info("extraction complete",
		"calls", res.Usage.Calls,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"duration", elapsed)
	return res, nil
}

func (e *Extractor) extractSingle(ctx context.Context, req *Request, opts Options, logger *slog.Logger) (any, []PageAttempts, error) {
	u := &unit{
		pages:        req.Document.Pages,
		schema:       req.Schema,
		instructions: req.Instructions,
		parse:        response.Parse,
		sampling:     samplingFor(opts, req.Schema, false),
		opts:         opts,
		logger:       logger,
	}
	out, err := e.run(ctx, u)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, &CancelledError{Err: ctxErr}
		}
		return nil, nil, err
	}
	value, err := aggregate.Single([]aggregate.PageResult{{Index: req.Document.Pages[0].Index, Value: out.value}})
	if err != nil {
		return nil, nil, err
	}
	return value, []PageAttempts{out.attempts}, nil
}

func (e *Extractor) extractPages(ctx context.Context, req *Request, opts Options, logger *slog.Logger) (any, []PageAttempts, error) {
	pages := req.Document.Pages
	sampling := samplingFor(opts, req.Schema, true)

	var (
		mu        sync.Mutex
		results   = make([]aggregate.PageResult, 0, len(pages))
		attempts  = make([]PageAttempts, 0, len(pages))
		completed []int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, page := range pages {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u := &unit{
				pages:        []document.Page{page},
				schema:       req.Schema,
				instructions: req.Instructions,
				parse:        response.ParsePage,
				sampling:     sampling,
				opts:         opts,
				logger:       logger.With("page", page.Index),
			}
			out, err := e.run(gctx, u)
			if err != nil {
				return fmt.Errorf("page %d: %w", page.Index, err)
			}

			mu.Lock()
			results = append(results, aggregate.PageResult{Index: page.Index, Value: out.value})
			attempts = append(attempts, out.attempts)
			completed = append(completed, page.Index)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		mu.Lock()
		done := append([]int(nil), completed...)
		mu.Unlock()
		sort.Ints(done)
		return nil, nil, &CancelledError{CompletedPages: done, Err: ctxErr}
	}
	if err != nil {
		return nil, nil, err
	}

	values, err := aggregate.Pages(results, req.Document.PageIndexes())
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Pages[0] < attempts[j].Pages[0] })
	return values, attempts, nil
}

func samplingFor(opts Options, s *schema.Schema, perPage bool) invoker.Sampling {
	sampling := opts.Sampling
	if !opts.StructuredOutput {
		return sampling
	}
	if perPage {
		sampling.JSONSchema = s.PageSchema()
	} else {
		sampling.JSONSchema = s.Raw
	}
	sampling.SchemaName = s.Name
	return sampling
}

// outcome is the metrics label for a failed extraction.
func outcome(err error) string {
	var (
		exhausted   *SchemaValidationExhaustedError
		cancelled   *CancelledError
		unavailable *invoker.ModelUnavailableError
		refusal     *invoker.ModelRefusalError
		tooLarge    *prompt.PayloadTooLargeError
	)
	switch {
	case errors.As(err, &cancelled):
		return "cancelled"
	case errors.As(err, &exhausted):
		return "exhausted"
	case errors.As(err, &refusal):
		return "refused"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &tooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrNonConformant):
		return "nonconformant"
	default:
		return "error"
	}
}
