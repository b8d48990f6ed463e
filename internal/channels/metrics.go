package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

// Metrics tracks message counts, error rates, and latency distributions for
// a single channel adapter, for export through HealthAdapter.Metrics.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	sendLatency    *LatencyHistogram
	receiveLatency *LatencyHistogram

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64

	actionsByKind    map[MessageAction]*atomic.Uint64
	actionFailures   map[MessageAction]*atomic.Uint64
	actionsMu        sync.RWMutex

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a new Metrics instance for a channel adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode:   make(map[ErrorCode]*atomic.Uint64),
		sendLatency:    NewLatencyHistogram(),
		receiveLatency: NewLatencyHistogram(),
		actionsByKind:  make(map[MessageAction]*atomic.Uint64),
		actionFailures: make(map[MessageAction]*atomic.Uint64),
		channelType:    channelType,
		startTime:      time.Now(),
	}
}

func (m *Metrics) RecordMessageSent()                    { m.messagesSent.Add(1) }
func (m *Metrics) RecordMessageReceived()                { m.messagesReceived.Add(1) }
func (m *Metrics) RecordMessageFailed()                  { m.messagesFailed.Add(1) }
func (m *Metrics) RecordConnectionOpened()               { m.connectionsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed()                { m.connectionsClosed.Add(1) }
func (m *Metrics) RecordReconnectAttempt()                { m.reconnectAttempts.Add(1) }
func (m *Metrics) RecordSendLatency(d time.Duration)      { m.sendLatency.Record(d) }
func (m *Metrics) RecordReceiveLatency(d time.Duration)   { m.receiveLatency.Record(d) }

// RecordError increments the error counter for a specific error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, exists := m.errorsByCode[code]
	if !exists {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()
	counter.Add(1)
}

// RecordActionExecuted records a successfully executed message action and its latency.
func (m *Metrics) RecordActionExecuted(action MessageAction, duration time.Duration) {
	m.actionsMu.Lock()
	counter, exists := m.actionsByKind[action]
	if !exists {
		counter = &atomic.Uint64{}
		m.actionsByKind[action] = counter
	}
	m.actionsMu.Unlock()
	counter.Add(1)
	m.sendLatency.Record(duration)
}

// RecordActionFailed records a failed message action.
func (m *Metrics) RecordActionFailed(action MessageAction) {
	m.actionsMu.Lock()
	counter, exists := m.actionFailures[action]
	if !exists {
		counter = &atomic.Uint64{}
		m.actionFailures[action] = counter
	}
	m.actionsMu.Unlock()
	counter.Add(1)
}

// Snapshot returns a point-in-time view of the message, error, latency and
// connection counters; per-action counters are not included.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ErrorsByCode:      errs,
		SendLatency:       m.sendLatency.Snapshot(),
		ReceiveLatency:    m.receiveLatency.Snapshot(),
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesFailed    uint64
	ErrorsByCode      map[ErrorCode]uint64
	SendLatency       LatencySnapshot
	ReceiveLatency    LatencySnapshot
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ReconnectAttempts uint64
	Uptime            time.Duration
}

// LatencyHistogram tracks latency measurements in a fixed-size ring buffer.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
	max     int
}

// NewLatencyHistogram creates a histogram keeping the last 1000 samples.
func NewLatencyHistogram() *LatencyHistogram {
	const defaultMaxSamples = 1000
	return &LatencyHistogram{samples: make([]time.Duration, defaultMaxSamples), max: defaultMaxSamples}
}

// Record adds a latency sample to the histogram.
func (h *LatencyHistogram) Record(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max == 0 {
		return
	}
	h.samples[h.head] = duration
	h.head = (h.head + 1) % h.max
	if h.count < h.max {
		h.count++
	}
}

// Snapshot returns a snapshot of latency statistics.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, h.count)
	if h.count < h.max {
		copy(sorted, h.samples[:h.count])
	} else {
		for i := 0; i < h.count; i++ {
			idx := (h.head + i) % h.max
			sorted[i] = h.samples[idx]
		}
	}

	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// LatencySnapshot represents latency statistics.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}
