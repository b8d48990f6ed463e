package infra

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Resilience is the retry-with-jitter + circuit-breaker wrapper around any
// fallible outbound call. One instance serves the whole process; breakers
// are keyed by label so an open LLM circuit never blocks, say, an MCP
// server's health probe.
type Resilience struct {
	retry    *RetryConfig
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger

	totalRetries int64
}

// NewResilience builds the wrapper from a retry config and a breaker
// registry. Either may be nil, in which case defaults apply.
func NewResilience(retry *RetryConfig, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Resilience {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilience{
		retry:    retry,
		breakers: breakers,
		logger:   logger.With("component", "resilience"),
	}
}

// Execute runs fn under the label's breaker with retry. A non-transient
// error propagates after a single call and is not recorded as a breaker
// failure; transient errors retry up to the configured budget, each
// exhausted sequence counting one breaker failure. While the breaker is
// open every call fails fast with ErrCircuitOpen without invoking fn.
func Execute[T any](ctx context.Context, r *Resilience, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cb := r.breakers.Get(label)

	if err := cb.Allow(); err != nil {
		return zero, err
	}

	val, result := Retry(ctx, r.retry, fn)
	if result.Attempts > 1 {
		atomic.AddInt64(&r.totalRetries, int64(result.Attempts-1))
		r.logger.Warn("retried outbound call",
			"label", label,
			"attempts", result.Attempts,
			"error", result.LastError)
	}

	err := result.LastError
	if err == nil {
		cb.Record(nil)
		return val, nil
	}
	if IsTransient(err) {
		cb.Record(err)
	} else {
		cb.Skip()
	}
	return zero, err
}

// ExecuteVoid is Execute for calls with no return value.
func (r *Resilience) ExecuteVoid(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Breaker exposes the breaker for a label so callers can observe its state.
func (r *Resilience) Breaker(label string) *CircuitBreaker { return r.breakers.Get(label) }

// BreakerStats snapshots every breaker the wrapper has created.
func (r *Resilience) BreakerStats() []Stats { return r.breakers.Stats() }

// TotalRetries reports how many retry attempts (beyond first calls) the
// wrapper has made process-wide.
func (r *Resilience) TotalRetries() int64 { return atomic.LoadInt64(&r.totalRetries) }
