package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/pkg/models"
)

func newTestSession(t *testing.T, stores StoreSet, id string) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:        id,
		Channel:   models.ChannelDiscord,
		ChannelID: "guild-1",
		Key:       "guild-1:" + id,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := stores.Sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestEnsurePrimaryBranchIsIdempotent(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()
	session := newTestSession(t, stores, "sess-branch-1")

	first, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		t.Fatalf("EnsurePrimaryBranch: %v", err)
	}
	if !first.IsPrimary {
		t.Fatalf("expected primary branch")
	}

	second, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		t.Fatalf("EnsurePrimaryBranch (second call): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected idempotent primary branch, got %s and %s", first.ID, second.ID)
	}
}

func TestCreateBranchRejectsSecondPrimary(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()
	session := newTestSession(t, stores, "sess-branch-2")

	if _, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID); err != nil {
		t.Fatalf("EnsurePrimaryBranch: %v", err)
	}

	dup := models.NewPrimaryBranch(session.ID)
	err := stores.Branches.CreateBranch(ctx, dup)
	if !errors.Is(err, sessions.ErrPrimaryBranchExists) {
		t.Fatalf("CreateBranch second primary: got %v, want ErrPrimaryBranchExists", err)
	}
}

func TestForkBranchInheritsHistoryUpToBranchPoint(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()
	session := newTestSession(t, stores, "sess-branch-3")

	primary, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		t.Fatalf("EnsurePrimaryBranch: %v", err)
	}

	for i := 0; i < 4; i++ {
		msg := &models.Message{
			Channel:   models.ChannelDiscord,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   "message",
		}
		if err := stores.Branches.AppendMessageToBranch(ctx, session.ID, primary.ID, msg); err != nil {
			t.Fatalf("AppendMessageToBranch %d: %v", i, err)
		}
	}

	fork, err := stores.Branches.ForkBranch(ctx, primary.ID, 2, "exploration")
	if err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}

	if err := stores.Branches.AppendMessageToBranch(ctx, session.ID, fork.ID, &models.Message{
		Channel: models.ChannelDiscord, Direction: models.DirectionOutbound, Role: models.RoleAssistant, Content: "fork-only",
	}); err != nil {
		t.Fatalf("AppendMessageToBranch on fork: %v", err)
	}

	history, err := stores.Branches.GetBranchHistory(ctx, fork.ID, 0)
	if err != nil {
		t.Fatalf("GetBranchHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("GetBranchHistory returned %d messages, want 3 (2 inherited + 1 own)", len(history))
	}
	if history[len(history)-1].Content != "fork-only" {
		t.Fatalf("last message = %q, want fork-only", history[len(history)-1].Content)
	}

	primaryHistory, err := stores.Branches.GetBranchHistory(ctx, primary.ID, 0)
	if err != nil {
		t.Fatalf("GetBranchHistory (primary): %v", err)
	}
	if len(primaryHistory) != 4 {
		t.Fatalf("primary branch history = %d messages, want 4", len(primaryHistory))
	}
}

func TestArchiveBranchRefusesPrimary(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()
	session := newTestSession(t, stores, "sess-branch-4")

	primary, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		t.Fatalf("EnsurePrimaryBranch: %v", err)
	}
	if err := stores.Branches.ArchiveBranch(ctx, primary.ID); !errors.Is(err, sessions.ErrCannotDeletePrimary) {
		t.Fatalf("ArchiveBranch on primary: got %v, want ErrCannotDeletePrimary", err)
	}
}

func TestMergeBranchMovesMessagesAndMarksSourceMerged(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()
	session := newTestSession(t, stores, "sess-branch-5")

	primary, err := stores.Branches.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		t.Fatalf("EnsurePrimaryBranch: %v", err)
	}
	fork, err := stores.Branches.ForkBranch(ctx, primary.ID, 0, "feature")
	if err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}
	if err := stores.Branches.AppendMessageToBranch(ctx, session.ID, fork.ID, &models.Message{
		Channel: models.ChannelDiscord, Direction: models.DirectionInbound, Role: models.RoleUser, Content: "fork message",
	}); err != nil {
		t.Fatalf("AppendMessageToBranch: %v", err)
	}

	merge, err := stores.Branches.MergeBranch(ctx, fork.ID, primary.ID, models.MergeStrategyContinue)
	if err != nil {
		t.Fatalf("MergeBranch: %v", err)
	}
	if merge.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", merge.MessageCount)
	}

	reloadedFork, err := stores.Branches.GetBranch(ctx, fork.ID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if reloadedFork.Status != models.BranchStatusMerged {
		t.Fatalf("fork status = %s, want merged", reloadedFork.Status)
	}

	if _, err := stores.Branches.MergeBranch(ctx, fork.ID, primary.ID, models.MergeStrategyContinue); !errors.Is(err, sessions.ErrBranchMerged) {
		t.Fatalf("second MergeBranch: got %v, want ErrBranchMerged", err)
	}
}
