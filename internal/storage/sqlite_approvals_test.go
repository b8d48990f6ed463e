package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/internal/agent"
)

func TestApprovalStoreCreateGetUpdate(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	req := &agent.ApprovalRequest{
		ToolCallID: "call-1",
		ToolName:   "shell.exec",
		AgentID:    "agent-1",
		SessionID:  "sess-1",
		Reason:     "elevated permissions",
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}
	if err := stores.Approvals.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	got, err := stores.Approvals.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Decision != agent.ApprovalPending {
		t.Fatalf("Decision = %s, want pending", got.Decision)
	}

	got.Decision = agent.ApprovalAllowed
	got.DecidedAt = time.Now()
	got.DecidedBy = "user-1"
	if err := stores.Approvals.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := stores.Approvals.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if reloaded.Decision != agent.ApprovalAllowed || reloaded.DecidedBy != "user-1" {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestApprovalStoreListPendingFiltersByAgent(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	for i, agentID := range []string{"agent-a", "agent-a", "agent-b"} {
		req := &agent.ApprovalRequest{
			ToolCallID: "call", ToolName: "tool", AgentID: agentID,
		}
		_ = i
		if err := stores.Approvals.Create(ctx, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pending, err := stores.Approvals.ListPending(ctx, "agent-a")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListPending(agent-a) = %d, want 2", len(pending))
	}

	all, err := stores.Approvals.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListPending(\"\") = %d, want 3", len(all))
	}
}

func TestApprovalStorePruneOnlyDeletesDecided(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	pending := &agent.ApprovalRequest{ToolCallID: "c1", ToolName: "tool", CreatedAt: time.Now().Add(-time.Hour)}
	if err := stores.Approvals.Create(ctx, pending); err != nil {
		t.Fatalf("Create pending: %v", err)
	}

	decided := &agent.ApprovalRequest{ToolCallID: "c2", ToolName: "tool", Decision: agent.ApprovalDenied, CreatedAt: time.Now().Add(-time.Hour)}
	if err := stores.Approvals.Create(ctx, decided); err != nil {
		t.Fatalf("Create decided: %v", err)
	}

	deleted, err := stores.Approvals.Prune(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Prune deleted %d rows, want 1", deleted)
	}

	if _, err := stores.Approvals.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending request should survive prune: %v", err)
	}
	if _, err := stores.Approvals.Get(ctx, decided.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("decided request should be pruned: got %v", err)
	}
}
