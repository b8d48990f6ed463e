package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

// sqliteRunStore persists agent runs and the API-call ledger.
type sqliteRunStore struct {
	db *sql.DB
}

// CreateRun inserts a run row in its initial status.
func (s *sqliteRunStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, session_id, input_message_id, status, input_tokens, output_tokens, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.InputMessageID, string(run.Status),
		run.InputTokens, run.OutputTokens, run.Error,
		run.StartedAt, nullableTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

// UpdateRun flips a run's status and totals.
func (s *sqliteRunStore) UpdateRun(ctx context.Context, run *models.AgentRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, input_tokens = ?, output_tokens = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.InputTokens, run.OutputTokens, run.Error,
		nullableTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent run: %w", err)
	}
	return requireRowsAffected(res)
}

// GetRun loads one run.
func (s *sqliteRunStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, input_message_id, status, input_tokens, output_tokens, error, started_at, finished_at
		FROM agent_runs WHERE id = ?`, id)

	run := &models.AgentRun{}
	var status string
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.SessionID, &run.InputMessageID, &status,
		&run.InputTokens, &run.OutputTokens, &run.Error, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}

// LogAPICall appends one row to the API-call ledger.
func (s *sqliteRunStore) LogAPICall(ctx context.Context, call *models.APICall) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (id, agent_id, session_id, provider, model, input_tokens, output_tokens, cost_usd, duration_ms, isolated, group_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.AgentID, call.SessionID, call.Provider, call.Model,
		call.InputTokens, call.OutputTokens, call.CostUSD, call.DurationMS,
		boolToInt(call.Isolated), call.GroupID, call.Status, call.Error, call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log api call: %w", err)
	}
	return nil
}

// GroupTokensSince sums a group's token spend over the window starting at
// since, for the budget gate's period checks.
func (s *sqliteRunStore) GroupTokensSince(ctx context.Context, groupID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(input_tokens + output_tokens) FROM api_calls
		WHERE group_id = ? AND created_at >= ?`, groupID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("group token sum: %w", err)
	}
	return total.Int64, nil
}
