package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCapWithinWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemory(Config{Window: time.Minute, Cap: 3, Enabled: true})
	m.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Check(ctx, "telegram:42")
		if err != nil || !ok {
			t.Fatalf("check %d = (%v, %v), want allowed", i+1, ok, err)
		}
	}
	if ok, _ := m.Check(ctx, "telegram:42"); ok {
		t.Fatal("4th check within window allowed, want denied")
	}
	// Another key is unaffected.
	if ok, _ := m.Check(ctx, "telegram:43"); !ok {
		t.Fatal("different key denied")
	}
}

func TestMemoryWindowRollover(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemory(Config{Window: time.Minute, Cap: 1, Enabled: true})
	m.now = func() time.Time { return now }

	ctx := context.Background()
	m.Check(ctx, "k")
	if ok, _ := m.Check(ctx, "k"); ok {
		t.Fatal("second check within window allowed")
	}

	now = now.Add(time.Minute)
	if ok, _ := m.Check(ctx, "k"); !ok {
		t.Fatal("first check after window denied, want reset and allowed")
	}
	if got := m.Remaining("k"); got != 0 {
		t.Fatalf("Remaining = %d after one check with cap 1, want 0", got)
	}
}

func TestMemoryDisabledAllowsEverything(t *testing.T) {
	m := NewMemory(Config{Window: time.Second, Cap: 1, Enabled: false})
	for i := 0; i < 10; i++ {
		if ok, _ := m.Check(context.Background(), "k"); !ok {
			t.Fatal("disabled limiter denied a check")
		}
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("telegram", "12345"); got != "telegram:12345" {
		t.Fatalf("CompositeKey = %q", got)
	}
}
