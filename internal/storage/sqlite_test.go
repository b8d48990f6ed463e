package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/internal/auth"
	"github.com/loopgateway/loopgw/pkg/models"
)

func newTestStoreSet(t *testing.T) StoreSet {
	t.Helper()
	stores, err := NewSQLiteStoresFromPath(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStoresFromPath: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func TestAgentStoreCRUD(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:        "agent-1",
		UserID:    "user-1",
		Name:      "support-bot",
		Model:     "claude-sonnet",
		Provider:  "anthropic",
		Tools:     []string{"search", "notify"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := stores.Agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := stores.Agents.Create(ctx, agent); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
	}

	got, err := stores.Agents.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "support-bot" || len(got.Tools) != 2 {
		t.Fatalf("Get returned %+v", got)
	}

	got.Name = "renamed-bot"
	if err := stores.Agents.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reloaded, err := stores.Agents.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if reloaded.Name != "renamed-bot" {
		t.Fatalf("Name = %q, want renamed-bot", reloaded.Name)
	}

	list, total, err := stores.Agents.List(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("List = (%d items, total %d), want (1, 1)", len(list), total)
	}

	if err := stores.Agents.Delete(ctx, "agent-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := stores.Agents.Get(ctx, "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestChannelConnectionStoreEncryptsConfig(t *testing.T) {
	stores, err := NewSQLiteStoresFromPath(":memory:", &SQLiteConfig{
		MaxOpenConns:  1,
		MaxIdleConns:  1,
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStoresFromPath: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })
	ctx := context.Background()

	conn := &models.ChannelConnection{
		ID:             "conn-1",
		UserID:         "user-1",
		ChannelType:    models.ChannelTelegram,
		ChannelID:      "chat-123",
		Status:         models.ConnectionStatusConnected,
		Config:         map[string]any{"bot_token": "secret-token"},
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := stores.Channels.Create(ctx, conn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := stores.Channels.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Config["bot_token"] != "secret-token" {
		t.Fatalf("decrypted config = %+v, want bot_token=secret-token", got.Config)
	}
}

func TestUserStoreFindOrCreateDeduplicatesByProvider(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	info := &auth.UserInfo{ID: "gh-1", Provider: "github", Email: "a@example.com", Name: "Ada"}
	first, err := stores.Users.FindOrCreate(ctx, info)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	info2 := &auth.UserInfo{ID: "gh-1", Provider: "github", Email: "a@example.com", Name: "Ada Lovelace"}
	second, err := stores.Users.FindOrCreate(ctx, info2)
	if err != nil {
		t.Fatalf("FindOrCreate (second call): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same user ID, got %s and %s", first.ID, second.ID)
	}
	if second.Name != "Ada Lovelace" {
		t.Fatalf("Name = %q, want updated name", second.Name)
	}
}

func TestSessionStoreGetByKeyEnforcesUniqueness(t *testing.T) {
	stores := newTestStoreSet(t)
	ctx := context.Background()

	session := &models.Session{
		ID:        "sess-1",
		AgentID:   "agent-1",
		Channel:   models.ChannelSlack,
		ChannelID: "C123",
		Key:       "C123:thread-1",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := stores.Sessions.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *session
	dup.ID = "sess-2"
	if err := stores.Sessions.Create(ctx, &dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate key Create: got %v, want ErrAlreadyExists", err)
	}

	got, err := stores.Sessions.GetByKey(ctx, models.ChannelSlack, "C123", "C123:thread-1")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got.ID != "sess-1" {
		t.Fatalf("GetByKey returned %s, want sess-1", got.ID)
	}
}
