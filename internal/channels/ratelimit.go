package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces an adapter's outbound calls with a token bucket so a
// long reply split into many chunks doesn't trip the platform's flood
// control (Telegram ~30 msg/s bot-wide, Slack tier limits, Discord's
// per-channel bucket). A bucket allows a burst up to capacity, then
// refills at rate tokens per second.
type RateLimiter struct {
	rate     float64
	capacity int

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a bucket that refills at rate tokens/second and
// holds at most capacity tokens.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if capacity <= 0 {
		capacity = int(rate * 2)
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled. Adapters
// call this immediately before every platform API call.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.nextTokenIn()):
		}
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Tokens reports the tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// refill credits tokens for the time elapsed since the last refill;
// callers hold r.mu.
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastRefill = now
}

// nextTokenIn estimates how long until one token is available.
func (r *RateLimiter) nextTokenIn() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}
