// Package invoker sends prompt payloads to a model client with transport
// retries, rate limiting and refusal detection.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/folio/internal/llmcall"
	"github.com/jackzampolin/folio/internal/metrics"
	"github.com/jackzampolin/folio/internal/prompt"
	"github.com/jackzampolin/folio/internal/providers"
)

// Default retry settings.
const (
	DefaultTransportRetries = 3
	DefaultInitialBackoff   = time.Second
	DefaultMaxBackoff       = 30 * time.Second
)

// Sampling holds per-request generation parameters.
type Sampling struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// JSONSchema, when set, is passed to providers that support
	// schema-constrained output.
	JSONSchema json.RawMessage
	SchemaName string
}

// Config configures an Invoker.
type Config struct {
	Client  providers.ModelClient
	Limiter *providers.RateLimiter

	// TransportRetries is the total number of sends per request,
	// including the first.
	TransportRetries int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// Optional sinks
	Calls   *llmcall.Recorder
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Invoker sends payloads to one model client.
type Invoker struct {
	client  providers.ModelClient
	limiter *providers.RateLimiter

	attempts       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration

	calls   *llmcall.Recorder
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New creates an invoker.
func New(cfg Config) (*Invoker, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("invoker: model client is required")
	}
	if cfg.TransportRetries <= 0 {
		cfg.TransportRetries = DefaultTransportRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Invoker{
		client:         cfg.Client,
		limiter:        cfg.Limiter,
		attempts:       uint(cfg.TransportRetries),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		calls:          cfg.Calls,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "invoker", "provider", cfg.Client.Name()),
	}, nil
}

// Invoke sends the payload once (with transport retries) as sample 0.
func (inv *Invoker) Invoke(ctx context.Context, p *prompt.Payload, cfg Sampling) (*providers.Completion, error) {
	c, err := inv.invoke(ctx, p, cfg, 0)
	if err != nil {
		return nil, err
	}
	c.Order = 0
	return c, nil
}

// InvokeK sends k independent samples of the payload concurrently and
// returns them in sample order. Each completion's Order records when it
// finished relative to its siblings. The first error cancels the rest.
func (inv *Invoker) InvokeK(ctx context.Context, p *prompt.Payload, cfg Sampling, k int) ([]*providers.Completion, error) {
	if k <= 0 {
		k = 1
	}
	out := make([]*providers.Completion, k)
	var finished atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		g.Go(func() error {
			c, err := inv.invoke(gctx, p, cfg, i)
			if err != nil {
				return err
			}
			c.Order = int(finished.Add(1) - 1)
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

func (inv *Invoker) invoke(ctx context.Context, p *prompt.Payload, cfg Sampling, sample int) (*providers.Completion, error) {
	if p == nil {
		return nil, fmt.Errorf("invoker: nil payload")
	}

	images := make([]providers.Image, len(p.Images))
	for i, data := range p.Images {
		img := providers.Image{Data: data}
		if i < len(p.ImageMIME) {
			img.MIMEType = p.ImageMIME[i]
		}
		images[i] = img
	}

	model := cfg.Model
	if model == "" {
		model = inv.client.Model()
	}
	opts := llmcall.RecordOptions{
		PageIndexes: p.PageIndexes,
		Attempt:     p.Attempt,
		Sample:      sample,
		PromptKey:   prompt.UserKey,
		PromptHash:  p.Hash,
		Provider:    inv.client.Name(),
		Model:       model,
	}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		opts.Temperature = &temp
	}
	stage := metrics.StageFor(p.Attempt)

	var (
		completion *providers.Completion
		sends      int
	)
	start := time.Now()
	err := retry.Do(
		func() error {
			sends++
			if inv.limiter != nil {
				if err := inv.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			c, err := inv.client.Complete(ctx, &providers.Request{
				System:           p.System,
				User:             p.User,
				Images:           images,
				Model:            cfg.Model,
				Temperature:      cfg.Temperature,
				MaxTokens:        cfg.MaxTokens,
				Timeout:          cfg.Timeout,
				JSONSchema:       cfg.JSONSchema,
				SchemaName:       cfg.SchemaName,
				TransportAttempt: sends,
			})
			if err != nil {
				var rl *providers.RateLimitError
				if errors.As(err, &rl) && inv.limiter != nil {
					inv.limiter.Record429(rl.RetryAfter)
				}
				if ctx.Err() != nil || !providers.IsRetryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			completion = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(inv.attempts),
		retry.Delay(inv.initialBackoff),
		retry.MaxDelay(inv.maxBackoff),
		retry.MaxJitter(inv.initialBackoff),
		retry.DelayType(backoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			inv.logger.Warn("retrying model request",
				"failed_attempt", n+1,
				"pages", p.PageIndexes,
				"sample", sample,
				"error", err)
		}),
	)
	opts.TransportAttempts = sends

	scoped := llmcall.RecorderFrom(ctx)
	if err != nil {
		failed := llmcall.FromError(err, time.Since(start), opts)
		inv.calls.RecordCall(failed)
		if scoped != inv.calls {
			scoped.RecordCall(failed)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			inv.metrics.RecordError(stage, opts.Provider, model, "cancelled", time.Since(start))
			return nil, ctxErr
		}
		inv.metrics.RecordError(stage, opts.Provider, model, "unavailable", time.Since(start))
		return nil, &ModelUnavailableError{Attempts: sends, Err: err}
	}

	completion.PageIndexes = append([]int(nil), p.PageIndexes...)
	completion.Attempt = p.Attempt
	completion.Sample = sample
	completion.TransportAttempts = sends

	call := llmcall.FromCompletion(completion, opts)
	inv.calls.RecordCall(call)
	if scoped != inv.calls {
		scoped.RecordCall(call)
	}
	inv.metrics.RecordLLMCall(stage, completion)

	if refusal := detectRefusal(completion); refusal != nil {
		inv.logger.Warn("model refused request", "pages", p.PageIndexes, "reason", refusal.Reason)
		return nil, refusal
	}
	return completion, nil
}

// backoff doubles the delay per retry with up to one delay of jitter, and
// honours a provider's Retry-After when it asks for longer.
func backoff(n uint, err error, config *retry.Config) time.Duration {
	d := retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
	if ra := providers.RetryAfter(err); ra > d {
		return ra
	}
	return d
}

var refusalPattern = regexp.MustCompile(`(?i)^\W*(i'?m sorry|i am sorry|sorry, (but )?i|i can(no|')t|i am (unable|not able)|i'?m (unable|not able)|unable to (help|assist|comply))`)

// detectRefusal reports a refusal flagged by the provider, or text that
// reads as a refusal and holds no JSON.
func detectRefusal(c *providers.Completion) *ModelRefusalError {
	if c.Refused() {
		reason := c.Refusal
		if reason == "" {
			reason = "finish reason " + c.FinishReason
		}
		return &ModelRefusalError{Reason: reason, Text: c.Text}
	}
	text := strings.TrimSpace(c.Text)
	if strings.ContainsAny(text, "{[") {
		return nil
	}
	if refusalPattern.MatchString(text) {
		return &ModelRefusalError{Reason: firstLine(text), Text: c.Text}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
