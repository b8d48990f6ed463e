package agent

import (
	"context"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

func pendingPolicy(ttl time.Duration, timeoutApprove bool) *ApprovalPolicy {
	return &ApprovalPolicy{
		DefaultDecision: ApprovalPending,
		AskFallback:     true,
		RequestTTL:      ttl,
		TimeoutApprove:  timeoutApprove,
	}
}

func TestApprovalResolvedByHumanBeforeTimeout(t *testing.T) {
	checker := NewApprovalChecker(pendingPolicy(time.Minute, false))
	store := NewMemoryApprovalStore()
	checker.SetStore(store)

	ctx := context.Background()
	req, err := checker.CreateApprovalRequest(ctx, "agent-1", "sess-1",
		models.ToolCall{ID: "tc-1", Name: "run_script"}, "high risk")
	if err != nil {
		t.Fatalf("CreateApprovalRequest: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		approved, err := checker.AwaitDecision(ctx, req.ID)
		if err != nil {
			t.Errorf("AwaitDecision: %v", err)
		}
		done <- approved
	}()

	time.Sleep(10 * time.Millisecond)
	if err := checker.Approve(ctx, req.ID, "user-7"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case approved := <-done:
		if !approved {
			t.Fatal("waiter resolved false after explicit approve")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	stored, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Decision != ApprovalAllowed || stored.DecidedBy != "user-7" {
		t.Fatalf("stored decision = %+v", stored)
	}
}

func TestApprovalTimeoutRejectsAndMarksRow(t *testing.T) {
	checker := NewApprovalChecker(pendingPolicy(20*time.Millisecond, false))
	store := NewMemoryApprovalStore()
	checker.SetStore(store)

	ctx := context.Background()
	req, err := checker.CreateApprovalRequest(ctx, "agent-1", "sess-1",
		models.ToolCall{ID: "tc-2", Name: "run_script"}, "high risk")
	if err != nil {
		t.Fatal(err)
	}

	approved, err := checker.AwaitDecision(ctx, req.ID)
	if err != nil {
		t.Fatalf("AwaitDecision: %v", err)
	}
	if approved {
		t.Fatal("timeout resolved approved=true with timeout action reject")
	}

	// The timer's row update is asynchronous with the resolve.
	deadline := time.Now().Add(time.Second)
	for {
		stored, err := store.Get(ctx, req.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Decision == ApprovalTimeout {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("row decision = %s, want timeout", stored.Decision)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A late response must not flip a terminal row back.
	_ = checker.Approve(ctx, req.ID, "user-7")
	stored, _ := store.Get(ctx, req.ID)
	if stored.Decision != ApprovalTimeout {
		t.Fatal("terminal timeout row flipped by late approve")
	}
}

func TestApprovalTimeoutApproveAction(t *testing.T) {
	checker := NewApprovalChecker(pendingPolicy(20*time.Millisecond, true))
	checker.SetStore(NewMemoryApprovalStore())

	ctx := context.Background()
	req, err := checker.CreateApprovalRequest(ctx, "agent-1", "sess-1",
		models.ToolCall{ID: "tc-3", Name: "summarize"}, "")
	if err != nil {
		t.Fatal(err)
	}
	approved, err := checker.AwaitDecision(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !approved {
		t.Fatal("timeout with approve action resolved false")
	}
}

func TestApprovalResolvesExactlyOnce(t *testing.T) {
	checker := NewApprovalChecker(pendingPolicy(time.Minute, false))
	checker.SetStore(NewMemoryApprovalStore())

	ctx := context.Background()
	req, err := checker.CreateApprovalRequest(ctx, "agent-1", "sess-1",
		models.ToolCall{ID: "tc-4", Name: "run_script"}, "")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	go func() {
		approved, _ := checker.AwaitDecision(ctx, req.ID)
		done <- approved
	}()
	time.Sleep(10 * time.Millisecond)

	// Racing approve and deny: exactly one outcome is observed, and the
	// second resolution is a no-op rather than a second wake-up.
	_ = checker.Approve(ctx, req.ID, "a")
	_ = checker.Deny(ctx, req.ID, "b")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	// The waiter map entry is gone; a further response touches only the DB.
	checker.waitersMu.Lock()
	_, exists := checker.waiters[req.ID]
	checker.waitersMu.Unlock()
	if exists {
		t.Fatal("waiter not removed after resolution")
	}
}

func TestMemoryStoreExpireStale(t *testing.T) {
	store := NewMemoryApprovalStore()
	ctx := context.Background()

	_ = store.Create(ctx, &ApprovalRequest{
		ID: "old", Decision: ApprovalPending,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-30 * time.Minute),
	})
	_ = store.Create(ctx, &ApprovalRequest{
		ID: "fresh", Decision: ApprovalPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})

	n, err := store.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale = (%d, %v), want (1, nil)", n, err)
	}
	old, _ := store.Get(ctx, "old")
	if old.Decision != ApprovalTimeout {
		t.Fatalf("old decision = %s, want timeout", old.Decision)
	}
	fresh, _ := store.Get(ctx, "fresh")
	if fresh.Decision != ApprovalPending {
		t.Fatalf("fresh decision = %s, want pending", fresh.Decision)
	}
}
