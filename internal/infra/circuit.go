package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is the distinguished fail-fast error returned while a
// breaker is open. Callers treat it as transient-but-fail-fast; the router
// turns it into a "temporarily unavailable" user message.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name labels this breaker in the registry (llm:anthropic,
	// mcp:<server>, channel:telegram, ...).
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int

	// SuccessThreshold is the number of half-open probe successes needed
	// to close again.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before admitting a
	// half-open probe.
	Timeout time.Duration

	// OnStateChange observes transitions for logging and metrics.
	OnStateChange func(name, from, to string)
}

// CircuitBreaker is the closed/open/half-open state machine around a
// fallible call. Failures that reach it are already classified transient;
// non-transient errors never touch the breaker.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                  sync.RWMutex
	state               string
	consecutiveFailures int
	probeSuccesses      int
	probing             bool
	openedAt            time.Time

	totalFailures  int64
	totalSuccesses int64
	lastFailure    time.Time
	lastSuccess    time.Time
}

// NewCircuitBreaker creates a breaker, applying defaults for unset fields.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

// ExecuteWithResult runs a value-returning fn under breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.Record(err)
	return result, err
}

// Allow reports whether a call may proceed right now. While open it fails
// fast with ErrCircuitOpen until Timeout has elapsed since openedAt, at
// which point exactly one caller is admitted as the half-open probe;
// concurrent callers keep failing fast until the probe reports back.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the state machine. A nil err is a
// success; a non-nil err is a failure (callers only Record errors already
// classified transient).
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.lastFailure = time.Now()

		switch cb.state {
		case CircuitClosed:
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				cb.transitionTo(CircuitOpen)
				cb.openedAt = time.Now()
			}
		case CircuitHalfOpen:
			cb.probing = false
			cb.transitionTo(CircuitOpen)
			cb.openedAt = time.Now()
		}
		return
	}

	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	cb.lastSuccess = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// Skip releases a probe slot claimed by Allow without recording an
// outcome. Used when the call failed for a non-transient reason that must
// not count against the breaker.
func (cb *CircuitBreaker) Skip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// transitionTo changes state; callers hold cb.mu.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	if newState != CircuitHalfOpen {
		cb.probeSuccesses = 0
	}
	if cb.config.OnStateChange != nil && oldState != newState {
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is the observable counter snapshot for one breaker.
type Stats struct {
	Name                string
	State               string
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	LastFailure         time.Time
	LastSuccess         time.Time
	OpenedAt            time.Time
}

// Stats snapshots the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		Name:                cb.config.Name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		LastFailure:         cb.lastFailure,
		LastSuccess:         cb.lastSuccess,
		OpenedAt:            cb.openedAt,
	}
}

// Reset forces the breaker closed and clears its consecutive counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probeSuccesses = 0
	cb.probing = false
}

// CircuitBreakerRegistry holds one breaker per label. It is constructed at
// startup and passed explicitly; there is no process-global registry.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry whose Get fills in defaults
// for labels seen for the first time.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it from the defaults on first
// use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns the breaker for name, creating it from config if it
// does not exist yet.
func (r *CircuitBreakerRegistry) GetWithConfig(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config.Name = name
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats snapshots every registered breaker.
func (r *CircuitBreakerRegistry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits lists the labels of currently open breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}
