// Package usage tracks per-call token spend for the API-call log and the
// router's budget gate, and formats token counts and cost estimates for
// user-facing status replies.
package usage

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Usage is the token spend of a single LLM call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns the combined token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Cost is a model's pricing per million tokens.
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate prices the given usage.
func (c *Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input +
		float64(usage.OutputTokens)*c.Output +
		float64(usage.CacheReadTokens)*c.CacheRead +
		float64(usage.CacheWriteTokens)*c.CacheWrite
	return total / 1_000_000
}

// Record is one logged call.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	UserID    string    `json:"user_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Usage     Usage     `json:"usage"`
	Cost      float64   `json:"cost,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker keeps a rolling window of call records and answers aggregate
// queries over that window. Totals are computed from the live records at
// query time, so a group's spend genuinely rolls off as its records age
// out — the budget gate depends on that, since its "daily" tracker must
// read zero again a day after the spend.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	maxAge   time.Duration
	maxCount int
	now      func() time.Time
}

// TrackerConfig bounds a tracker's window.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultTrackerConfig keeps one day of records.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAge:   24 * time.Hour,
		MaxCount: 10000,
	}
}

// NewTracker creates a tracker with the given window.
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 10000
	}
	return &Tracker{
		maxAge:   config.MaxAge,
		maxCount: config.MaxCount,
		now:      time.Now,
	}
}

// Record appends one call record and prunes expired ones.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = t.now()
	}
	t.records = append(t.records, r)
	t.prune()
}

// prune drops records outside the window; callers hold t.mu.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-t.maxAge)
	start := 0
	for start < len(t.records) && !t.records[start].Timestamp.After(cutoff) {
		start++
	}
	if start > 0 {
		t.records = t.records[start:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// sumWhere totals records in the window matching keep.
func (t *Tracker) sumWhere(keep func(*Record) bool) *Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	var total Usage
	matched := false
	for i := range t.records {
		if keep(&t.records[i]) {
			total.Add(&t.records[i].Usage)
			matched = true
		}
	}
	if !matched {
		return nil
	}
	return &total
}

// GetTotals returns windowed usage for one provider:model pair.
func (t *Tracker) GetTotals(provider, model string) *Usage {
	return t.sumWhere(func(r *Record) bool {
		return r.Provider == provider && r.Model == model
	})
}

// GetUserTotals returns windowed usage attributed to userID (the budget
// gate passes a group name here).
func (t *Tracker) GetUserTotals(userID string) *Usage {
	return t.sumWhere(func(r *Record) bool { return r.UserID == userID })
}

// GetRecentRecords returns up to limit most recent records.
func (t *Tracker) GetRecentRecords(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	start := len(t.records) - limit
	result := make([]Record, limit)
	copy(result, t.records[start:])
	return result
}

// GetSummary aggregates the window per provider:model key.
func (t *Tracker) GetSummary() map[string]*Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	result := make(map[string]*Usage)
	for i := range t.records {
		key := t.records[i].Provider + ":" + t.records[i].Model
		if result[key] == nil {
			result[key] = &Usage{}
		}
		result[key].Add(&t.records[i].Usage)
	}
	return result
}

// FormatTokenCount renders a token count compactly (1.2k, 45k, 1.3m).
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD renders a dollar estimate, or "" for zero/invalid amounts.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatUsage renders a one-line total.
func FormatUsage(usage *Usage) string {
	if usage == nil {
		return "0 tokens"
	}
	return FormatTokenCount(usage.Total()) + " tokens"
}
