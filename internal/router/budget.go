package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/loopgateway/loopgw/internal/usage"
)

// BudgetLimits caps token spend for a group over rolling day/month windows.
// A zero value in either field means that window is unbounded.
type BudgetLimits struct {
	PerDayTokens   int64
	PerMonthTokens int64
}

// BudgetGate enforces per-group token budgets before a conversation is
// allowed to enter the agent loop. Groups are caller-defined strings (a
// channel type, a tenant ID, a session ID); the router uses the owning
// session's channel by default.
type BudgetGate struct {
	mu      sync.RWMutex
	limits  map[string]BudgetLimits
	daily   *usage.Tracker
	monthly *usage.Tracker
}

// NewBudgetGate creates a BudgetGate with no configured limits; Check
// always passes until SetLimit is called for a group.
func NewBudgetGate() *BudgetGate {
	return &BudgetGate{
		limits: make(map[string]BudgetLimits),
		daily: usage.NewTracker(usage.TrackerConfig{
			MaxAge:   24 * time.Hour,
			MaxCount: 200_000,
		}),
		monthly: usage.NewTracker(usage.TrackerConfig{
			MaxAge:   30 * 24 * time.Hour,
			MaxCount: 2_000_000,
		}),
	}
}

// SetLimit configures (or clears, with the zero value) the budget for a group.
func (g *BudgetGate) SetLimit(group string, limits BudgetLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[group] = limits
}

// Check reports whether group may proceed. A breached budget returns ok=false
// with a human-readable reason suitable for replying to the user.
func (g *BudgetGate) Check(group string) (ok bool, reason string) {
	g.mu.RLock()
	limits, configured := g.limits[group]
	g.mu.RUnlock()
	if !configured {
		return true, ""
	}

	if limits.PerDayTokens > 0 {
		if spent := g.daily.GetUserTotals(group); spent != nil && spent.Total() >= limits.PerDayTokens {
			return false, fmt.Sprintf("daily token budget reached (%s used of %s)",
				usage.FormatTokenCount(spent.Total()), usage.FormatTokenCount(limits.PerDayTokens))
		}
	}
	if limits.PerMonthTokens > 0 {
		if spent := g.monthly.GetUserTotals(group); spent != nil && spent.Total() >= limits.PerMonthTokens {
			return false, fmt.Sprintf("monthly token budget reached (%s used of %s)",
				usage.FormatTokenCount(spent.Total()), usage.FormatTokenCount(limits.PerMonthTokens))
		}
	}
	return true, ""
}

// Record logs spend for group against both the daily and monthly windows.
func (g *BudgetGate) Record(group string, spent usage.Usage) {
	rec := usage.Record{UserID: group, Usage: spent}
	g.daily.Record(rec)
	g.monthly.Record(rec)
}
