package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one additive schema change applied in order. Migrations are
// never edited once released; a schema change is always a new entry so
// `schema_migrations` monotonically tracks what has been applied.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				avatar_url TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL DEFAULT '',
				provider_id TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_provider ON users(provider, provider_id) WHERE provider != ''`,
			`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				system_prompt TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL DEFAULT '',
				tools TEXT NOT NULL DEFAULT '[]',
				config TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id)`,

			`CREATE TABLE IF NOT EXISTS channel_connections (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				channel_type TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'unspecified',
				config TEXT NOT NULL DEFAULT '{}',
				connected_at DATETIME NOT NULL,
				last_activity_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_channel_connections_user ON channel_connections(user_id)`,

			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL DEFAULT '',
				channel TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				key TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			// Enforces the one-conversation-per-(channel,external-chat) invariant.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(channel, channel_id, key)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS branches (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				parent_branch_id TEXT,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				branch_point INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active',
				is_primary INTEGER NOT NULL DEFAULT 0,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				merged_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_branches_parent ON branches(parent_branch_id)`,
			// One primary branch per session.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_primary ON branches(session_id) WHERE is_primary = 1`,

			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				branch_id TEXT NOT NULL DEFAULT '',
				sequence INTEGER NOT NULL DEFAULT 0,
				channel TEXT NOT NULL,
				channel_id TEXT NOT NULL DEFAULT '',
				direction TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				attachments TEXT NOT NULL DEFAULT '[]',
				tool_calls TEXT NOT NULL DEFAULT '[]',
				tool_results TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_branch_seq ON messages(branch_id, sequence)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,

			`CREATE TABLE IF NOT EXISTS branch_merges (
				id TEXT PRIMARY KEY,
				source_branch_id TEXT NOT NULL,
				target_branch_id TEXT NOT NULL,
				strategy TEXT NOT NULL,
				source_sequence_start INTEGER NOT NULL DEFAULT 0,
				source_sequence_end INTEGER NOT NULL DEFAULT 0,
				target_sequence_insert INTEGER NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				metadata TEXT NOT NULL DEFAULT '{}',
				merged_at DATETIME NOT NULL,
				merged_by TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS approval_requests (
				id TEXT PRIMARY KEY,
				tool_call_id TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				input TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				decision TEXT NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL,
				expires_at DATETIME,
				decided_at DATETIME,
				decided_by TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_approval_requests_agent ON approval_requests(agent_id, decision)`,
			`CREATE INDEX IF NOT EXISTS idx_approval_requests_expiry ON approval_requests(decision, expires_at)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS mcp_servers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				transport TEXT NOT NULL,
				image TEXT NOT NULL DEFAULT '',
				command TEXT NOT NULL DEFAULT '',
				args TEXT NOT NULL DEFAULT '[]',
				env TEXT NOT NULL DEFAULT '{}',
				url TEXT NOT NULL DEFAULT '',
				port INTEGER NOT NULL DEFAULT 0,
				volumes TEXT NOT NULL DEFAULT '[]',
				container_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'stopped',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS api_calls (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_usd REAL NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				isolated INTEGER NOT NULL DEFAULT 0,
				group_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'ok',
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_calls_agent_created ON api_calls(agent_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_api_calls_group_created ON api_calls(group_id, created_at)`,

			`CREATE TABLE IF NOT EXISTS agent_runs (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				input_message_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				started_at DATETIME NOT NULL,
				finished_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs(session_id)`,

			// Fixed-window counters; checked and incremented in one UPSERT.
			`CREATE TABLE IF NOT EXISTS rate_limits (
				key TEXT PRIMARY KEY,
				window_start DATETIME NOT NULL,
				count INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
}

// Migrate brings db up to the latest schema version, applying any
// migrations not yet recorded in schema_migrations. Safe to call on every
// startup: already-applied versions are skipped.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
