// Package metrics registers the gateway's Prometheus collectors and keeps
// them updated from the event bus plus a handful of polled gauge sources.
// The HTTP boundary serves the registry on /metrics; nothing in the core
// depends on whether anyone scrapes it.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopgateway/loopgw/internal/bus"
	"github.com/loopgateway/loopgw/internal/infra"
)

// Set holds every collector the gateway exports.
type Set struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	ToolExecutions  *prometheus.CounterVec
	ApprovalsTotal  *prometheus.CounterVec
	MessagesInbound *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	RunnerQueue     prometheus.GaugeFunc
	RunnerActive    prometheus.GaugeFunc
	AdapterUp       *prometheus.GaugeVec
}

// QueueStats is the polled view of the container runner.
type QueueStats interface {
	QueueDepth() int
	ActiveCount() int
}

// New builds and registers the collector set on a fresh registry. runner
// may be nil (the runner gauges then read zero).
func New(runner QueueStats) *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopgw_agent_runs_total",
			Help: "Agent runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopgw_agent_run_duration_seconds",
			Help:    "Wall time of one agent run.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopgw_tool_executions_total",
			Help: "Tool executions by tool name and result.",
		}, []string{"tool", "result"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopgw_approvals_total",
			Help: "HITL approval events by type (required, approved, rejected).",
		}, []string{"status"}),
		MessagesInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopgw_messages_inbound_total",
			Help: "Inbound messages by channel type.",
		}, []string{"channel"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loopgw_circuit_breaker_state",
			Help: "Circuit breaker state by label (0 closed, 1 half-open, 2 open).",
		}, []string{"label"}),
		AdapterUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loopgw_channel_adapter_up",
			Help: "Adapter connection status by channel type (1 connected).",
		}, []string{"channel"}),
	}
	s.RunnerQueue = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loopgw_container_queue_depth",
		Help: "Container runner invocations waiting for a worker slot.",
	}, func() float64 {
		if runner == nil {
			return 0
		}
		return float64(runner.QueueDepth())
	})
	s.RunnerActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loopgw_container_active",
		Help: "Sandboxed subprocesses currently running.",
	}, func() float64 {
		if runner == nil {
			return 0
		}
		return float64(runner.ActiveCount())
	})

	reg.MustRegister(
		s.RunsTotal, s.RunDuration, s.ToolExecutions, s.ApprovalsTotal,
		s.MessagesInbound, s.BreakerState, s.RunnerQueue, s.RunnerActive,
		s.AdapterUp,
	)
	return s
}

// Registry exposes the underlying registry for the boundary's /metrics
// handler.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// ObserveBus consumes bus events until ctx is cancelled, translating them
// into counter increments. Run it on its own goroutine.
func (s *Set) ObserveBus(ctx context.Context, b *bus.Bus) {
	agentCh, cancelAgent := b.Subscribe(bus.TopicAgent)
	defer cancelAgent()
	approvalCh, cancelApproval := b.Subscribe(bus.TopicApproval)
	defer cancelApproval()
	channelCh, cancelChannel := b.Subscribe(bus.TopicChannel)
	defer cancelChannel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-agentCh:
			if !ok {
				return
			}
			payload, _ := evt.Payload.(map[string]any)
			switch evt.Type {
			case "run_complete":
				s.RunsTotal.WithLabelValues("completed").Inc()
				if ms, ok := payload["duration_ms"].(int64); ok {
					s.RunDuration.Observe(float64(ms) / 1000)
				}
			case "run_error":
				s.RunsTotal.WithLabelValues("error").Inc()
			case "budget_exceeded":
				s.RunsTotal.WithLabelValues("budget_exceeded").Inc()
			case "tool_event":
				tool, _ := payload["tool"].(string)
				stage, _ := payload["stage"].(string)
				switch stage {
				case "succeeded", "failed", "denied":
					s.ToolExecutions.WithLabelValues(tool, stage).Inc()
				}
			}
		case evt, ok := <-approvalCh:
			if !ok {
				return
			}
			s.ApprovalsTotal.WithLabelValues(evt.Type).Inc()
		case evt, ok := <-channelCh:
			if !ok {
				return
			}
			if evt.Type == "message_received" {
				if payload, ok := evt.Payload.(map[string]any); ok {
					if ch, ok := payload["channel"].(string); ok {
						s.MessagesInbound.WithLabelValues(ch).Inc()
					}
				}
			}
		}
	}
}

// PollBreakers refreshes the breaker-state gauges from the resilience
// wrapper every interval until ctx is cancelled.
func (s *Set) PollBreakers(ctx context.Context, exec *infra.Resilience, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range exec.BreakerStats() {
				s.BreakerState.WithLabelValues(st.Name).Set(breakerStateValue(st.State))
			}
		}
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case infra.CircuitOpen:
		return 2
	case infra.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// SetAdapterStatus records an adapter's connection state.
func (s *Set) SetAdapterStatus(channel string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	s.AdapterUp.WithLabelValues(channel).Set(v)
}
