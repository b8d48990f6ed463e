package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

// ExecutorConfig bounds the tool executor's concurrency and per-call timeout.
type ExecutorConfig struct {
	// MaxConcurrent caps the number of tool calls executed in parallel
	// across every call made through this executor. Default: 8.
	MaxConcurrent int

	// DefaultTimeout bounds a single tool call when no per-tool override is
	// configured. Default: 30s.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns sane defaults for parallel tool execution.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrent:  8,
		DefaultTimeout: 30 * time.Second,
	}
}

// ExecResult is the outcome of one ExecuteAll/Execute call.
type ExecResult struct {
	ToolCallID string
	Result     *ToolResult
	Error      error
}

// ExecutorMetricsSnapshot reports cumulative counters for tool execution.
type ExecutorMetricsSnapshot struct {
	Executed int64
	Failed   int64
	TimedOut int64
}

// Executor runs tool calls against a ToolRegistry with bounded concurrency
// and per-tool timeout overrides. Each call runs once; ToolConfig's
// MaxAttempts and Priority are not applied.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	sem      chan struct{}

	mu        sync.Mutex
	overrides map[string]*ToolConfig
	metrics   ExecutorMetricsSnapshot
}

// NewExecutor creates a parallel tool executor bound to registry.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	max := config.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	return &Executor{
		registry:  registry,
		config:    config,
		sem:       make(chan struct{}, max),
		overrides: make(map[string]*ToolConfig),
	}
}

// ConfigureTool sets per-tool overrides; only the timeout is applied.
func (e *Executor) ConfigureTool(name string, cfg *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[name] = cfg
}

func (e *Executor) timeoutFor(name string) time.Duration {
	e.mu.Lock()
	cfg, ok := e.overrides[name]
	e.mu.Unlock()
	if ok && cfg != nil && cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return e.config.DefaultTimeout
}

// Execute runs a single tool call, applying its configured timeout.
func (e *Executor) Execute(ctx context.Context, tc models.ToolCall) *ExecResult {
	timeout := e.timeoutFor(tc.Name)
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.runWithRecover(callCtx, tc)
	e.mu.Lock()
	e.metrics.Executed++
	if err != nil {
		e.metrics.Failed++
		if callCtx.Err() == context.DeadlineExceeded {
			e.metrics.TimedOut++
		}
	}
	e.mu.Unlock()

	return &ExecResult{ToolCallID: tc.ID, Result: res, Error: err}
}

func (e *Executor) runWithRecover(ctx context.Context, tc models.ToolCall) (result *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tc.Name, r)
		}
	}()
	result, err = e.registry.Execute(ctx, tc.Name, tc.Input)
	return result, err
}

// ExecuteAll runs every call in calls with bounded concurrency, preserving
// input order in the returned slice.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecResult {
	results := make([]*ExecResult, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc models.ToolCall) {
			defer wg.Done()
			if e.sem != nil {
				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					results[i] = &ExecResult{ToolCallID: tc.ID, Error: ctx.Err()}
					return
				}
			}
			results[i] = e.Execute(ctx, tc)
		}(i, tc)
	}

	wg.Wait()
	return results
}

// Metrics returns a snapshot of cumulative executor counters.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.metrics
	return &snap
}
