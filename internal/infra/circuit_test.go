package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func TestBreakerOpensAfterThresholdAndFailsFast(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("call %d: Allow() = %v, want nil", i, err)
		}
		cb.Record(errUpstream)
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state after threshold = %s, want open", got)
	}

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want ErrCircuitOpen", err)
	}
	if stats := cb.Stats(); stats.ConsecutiveFailures != 2 || stats.TotalFailures != 2 {
		t.Fatalf("stats = %+v, want 2 consecutive and 2 total failures", stats)
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	cb.Record(errUpstream)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow immediately after open = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after cool-down = %v, want probe admitted", err)
	}
	if got := cb.State(); got != CircuitHalfOpen {
		t.Fatalf("state during probe = %s, want half-open", got)
	}
	// Concurrent caller during the probe still fails fast.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Allow during probe = %v, want ErrCircuitOpen", err)
	}

	cb.Record(nil)
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("state after probe success = %s, want closed", got)
	}
	if stats := cb.Stats(); stats.ConsecutiveFailures != 0 {
		t.Fatalf("consecutiveFailures after close = %d, want 0", stats.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 5 * time.Millisecond})
	cb.Record(errUpstream)

	time.Sleep(10 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	cb.Record(errUpstream)
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state after probe failure = %s, want open", got)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow after reopen = %v, want ErrCircuitOpen", err)
	}
}

func TestResilienceExecuteDoesNotCountNonTransient(t *testing.T) {
	exec := NewResilience(
		&RetryConfig{MaxAttempts: 0, InitialDelay: time.Millisecond},
		NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}),
		nil,
	)

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), exec, "llm:test", func(ctx context.Context) (string, error) {
			return "", WithStatus(401, errors.New("unauthorized"))
		})
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d: breaker opened on non-transient errors", i)
		}
	}
	if got := exec.Breaker("llm:test").State(); got != CircuitClosed {
		t.Fatalf("breaker state = %s, want closed", got)
	}
}

func TestResilienceExecuteFailsFastWhenOpen(t *testing.T) {
	exec := NewResilience(
		&RetryConfig{MaxAttempts: 0, InitialDelay: time.Millisecond},
		NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}),
		nil,
	)

	calls := 0
	fail := func(ctx context.Context) (string, error) {
		calls++
		return "", WithStatus(503, errors.New("unavailable"))
	}
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), exec, "llm:test", fail)
	}
	_, err := Execute(context.Background(), exec, "llm:test", fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third call err = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2 (fail-fast must not invoke fn)", calls)
	}
	if exec.TotalRetries() != 0 {
		t.Fatalf("TotalRetries = %d with MaxAttempts 0, want 0", exec.TotalRetries())
	}
}
