package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/agent"
)

// SQLiteApprovalStore implements agent.ApprovalStore against the
// approval_requests table, giving pending HITL requests durability across
// restarts (the in-memory waiter is still rebuilt at boot by re-registering
// every row ListPending returns, since a *time.Timer cannot be persisted).
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore wraps an already-open, already-migrated database.
func NewSQLiteApprovalStore(db *sql.DB) *SQLiteApprovalStore {
	return &SQLiteApprovalStore{db: db}
}

func (s *SQLiteApprovalStore) Create(ctx context.Context, req *agent.ApprovalRequest) error {
	if req == nil {
		return fmt.Errorf("approval request is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Decision == "" {
		req.Decision = agent.ApprovalPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, tool_call_id, tool_name, input, agent_id, session_id, reason, decision, created_at, expires_at, decided_at, decided_by)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ToolCallID, req.ToolName, string(req.Input), req.AgentID, req.SessionID, req.Reason,
		string(req.Decision), req.CreatedAt, nullableTime(req.ExpiresAt), nullableTime(req.DecidedAt), req.DecidedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (s *SQLiteApprovalStore) Get(ctx context.Context, id string) (*agent.ApprovalRequest, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, approvalSelectColumns+` FROM approval_requests WHERE id = ?`, id)
	return scanApprovalRow(row)
}

func (s *SQLiteApprovalStore) Update(ctx context.Context, req *agent.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET decision=?, decided_at=?, decided_by=? WHERE id=?`,
		string(req.Decision), nullableTime(req.DecidedAt), req.DecidedBy, req.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteApprovalStore) ListPending(ctx context.Context, agentID string) ([]*agent.ApprovalRequest, error) {
	query := approvalSelectColumns + ` FROM approval_requests WHERE decision = ?`
	args := []any{string(agent.ApprovalPending)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	requests := []*agent.ApprovalRequest{}
	for rows.Next() {
		req, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Prune deletes decided (non-pending) requests older than olderThan,
// keeping the table from growing unbounded. Pending requests are never
// pruned here; they resolve through ApprovalChecker's own timeout path,
// which calls Update before this ever sees them as decided.
func (s *SQLiteApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approval_requests WHERE decision != ? AND created_at < ?`,
		string(agent.ApprovalPending), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune approval requests: %w", err)
	}
	return res.RowsAffected()
}

// ExpireStale turns long-overdue pending requests into timeouts. A live
// waiter's own timer handles the normal timeout path; this sweep catches
// rows orphaned by a restart, keeping the audit trail terminal.
func (s *SQLiteApprovalStore) ExpireStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET decision = ?, decided_at = ?
		 WHERE decision = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(agent.ApprovalTimeout), time.Now().UTC(),
		string(agent.ApprovalPending), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale approvals: %w", err)
	}
	return res.RowsAffected()
}

const approvalSelectColumns = `SELECT id, tool_call_id, tool_name, input, agent_id, session_id, reason, decision, created_at, expires_at, decided_at, decided_by`

type approvalScanner interface{ Scan(dest ...any) error }

func scanApprovalRow(row approvalScanner) (*agent.ApprovalRequest, error) {
	var req agent.ApprovalRequest
	var input, decision string
	var expiresAt, decidedAt sql.NullTime

	if err := row.Scan(
		&req.ID, &req.ToolCallID, &req.ToolName, &input, &req.AgentID, &req.SessionID, &req.Reason,
		&decision, &req.CreatedAt, &expiresAt, &decidedAt, &req.DecidedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	if input != "" {
		req.Input = []byte(input)
	}
	req.Decision = agent.ApprovalDecision(decision)
	if expiresAt.Valid {
		req.ExpiresAt = expiresAt.Time
	}
	if decidedAt.Valid {
		req.DecidedAt = decidedAt.Time
	}
	return &req, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
