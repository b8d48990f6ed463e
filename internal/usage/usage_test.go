package usage

import (
	"testing"
	"time"
)

func TestTrackerTotalsRollOffWithWindow(t *testing.T) {
	now := time.Unix(10_000, 0)
	tr := NewTracker(TrackerConfig{MaxAge: time.Hour, MaxCount: 100})
	tr.now = func() time.Time { return now }

	tr.Record(Record{UserID: "telegram", Usage: Usage{InputTokens: 100, OutputTokens: 50}})
	tr.Record(Record{UserID: "telegram", Usage: Usage{InputTokens: 20}})

	if got := tr.GetUserTotals("telegram"); got == nil || got.Total() != 170 {
		t.Fatalf("window totals = %v, want 170", got)
	}

	// An hour later the spend has aged out; the budget gate relies on this
	// reading nil again.
	now = now.Add(2 * time.Hour)
	if got := tr.GetUserTotals("telegram"); got != nil {
		t.Fatalf("totals after window = %v, want nil", got)
	}
}

func TestTrackerPerModelSummary(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: time.Hour, MaxCount: 100})
	tr.Record(Record{Provider: "anthropic", Model: "m1", Usage: Usage{OutputTokens: 10}})
	tr.Record(Record{Provider: "anthropic", Model: "m1", Usage: Usage{OutputTokens: 5}})
	tr.Record(Record{Provider: "openai", Model: "m2", Usage: Usage{OutputTokens: 1}})

	summary := tr.GetSummary()
	if summary["anthropic:m1"].Total() != 15 || summary["openai:m2"].Total() != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := tr.GetTotals("anthropic", "m1"); got == nil || got.OutputTokens != 15 {
		t.Fatalf("GetTotals = %v", got)
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5k"},
		{45_000, "45k"},
		{1_300_000, "1.3m"},
	}
	for _, tt := range tests {
		if got := FormatTokenCount(tt.in); got != tt.want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCostEstimate(t *testing.T) {
	c := Cost{Input: 3, Output: 15}
	got := c.Estimate(&Usage{InputTokens: 1_000_000, OutputTokens: 200_000})
	if got != 6 {
		t.Fatalf("Estimate = %v, want 6", got)
	}
}
