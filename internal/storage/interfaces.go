package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/auth"
	"github.com/loopgateway/loopgw/internal/ratelimit"
	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists agent configurations.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
}

// ChannelConnectionStore persists channel connection records.
type ChannelConnectionStore interface {
	Create(ctx context.Context, conn *models.ChannelConnection) error
	Get(ctx context.Context, id string) (*models.ChannelConnection, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.ChannelConnection, int, error)
	Update(ctx context.Context, conn *models.ChannelConnection) error
	Delete(ctx context.Context, id string) error
}

// UserStore persists user identities (OAuth and API users).
type UserStore interface {
	FindOrCreate(ctx context.Context, info *auth.UserInfo) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
}

// SessionStore persists conversation sessions, one per (channel, external
// chat) pair. The conversation router uses GetByKey to implement
// getOrCreateConversation without holding a lock across the database call.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, channel models.ChannelType, channelID, key string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	List(ctx context.Context, limit, offset int) ([]*models.Session, int, error)
}

// RunStore persists agent runs and the API-call ledger the budget gate
// reads.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AgentRun) error
	UpdateRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	LogAPICall(ctx context.Context, call *models.APICall) error
	GroupTokensSince(ctx context.Context, groupID string, since time.Time) (int64, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Agents    AgentStore
	Channels  ChannelConnectionStore
	Users     UserStore
	Sessions  SessionStore
	Branches  sessions.BranchStore
	Approvals agent.ApprovalStore
	Runs      RunStore
	db        *sql.DB
	closer    func() error
}

// RateLimiter builds the durable fixed-window limiter over this store's
// database. Returns nil when the StoreSet was assembled without one (tests
// using bare fakes).
func (s StoreSet) RateLimiter(cfg ratelimit.Config) *SQLiteRateLimiter {
	if s.db == nil {
		return nil
	}
	return NewSQLiteRateLimiter(s.db, cfg)
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
