package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every request to one provider.
// A 429 pauses all waiters until the advertised retry time passes.
type RateLimiter struct {
	mu sync.Mutex

	limiter           *rate.Limiter
	requestsPerMinute int

	pausedUntil   time.Time
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	Utilization     float64       `json:"utilization"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	PausedUntil     time.Time     `json:"paused_until,omitempty"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing requestsPerMinute with a burst of
// the same size.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 150
	}
	return &RateLimiter{
		limiter:           rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		requestsPerMinute: requestsPerMinute,
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	paused := time.Until(r.pausedUntil)
	r.mu.Unlock()
	if paused > 0 {
		timer := time.NewTimer(paused)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.totalConsumed++
	r.totalWaited += time.Since(start)
	r.mu.Unlock()
	return nil
}

// TryConsume takes a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.pausedUntil) {
		return false
	}
	if !r.limiter.Allow() {
		return false
	}
	r.totalConsumed++
	return true
}

// Record429 notes a rate limit response and pauses the bucket for
// retryAfter when the provider advertised one.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.last429Time = now
	if retryAfter > 0 {
		if until := now.Add(retryAfter); until.After(r.pausedUntil) {
			r.pausedUntil = until
		}
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := r.limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	utilization := 1.0 - tokens/float64(r.requestsPerMinute)
	if utilization < 0 {
		utilization = 0
	}

	status := RateLimiterStatus{
		TokensAvailable: int(tokens),
		TokensLimit:     r.requestsPerMinute,
		Utilization:     utilization,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
	}
	if time.Now().Before(r.pausedUntil) {
		status.PausedUntil = r.pausedUntil
	}
	return status
}
