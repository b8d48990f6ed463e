package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loopgateway/loopgw/internal/ratelimit"
)

// SQLiteRateLimiter is the durable fixed-window limiter backed by the
// rate_limits table. The check-and-increment happens inside one UPSERT
// statement so concurrent checks for the same key never race: SQLite
// serializes the write, and the RETURNING clause hands back the count this
// check observed.
type SQLiteRateLimiter struct {
	db  *sql.DB
	cfg ratelimit.Config
	now func() time.Time
}

// NewSQLiteRateLimiter creates a limiter over db with cfg.
func NewSQLiteRateLimiter(db *sql.DB, cfg ratelimit.Config) *SQLiteRateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 30
	}
	return &SQLiteRateLimiter{db: db, cfg: cfg, now: time.Now}
}

// Check counts one action for key and reports whether it stayed within the
// cap. A window that started more than cfg.Window ago is reset to a fresh
// window starting now.
func (l *SQLiteRateLimiter) Check(ctx context.Context, key string) (bool, error) {
	if !l.cfg.Enabled {
		return true, nil
	}

	now := l.now().UTC()
	cutoff := now.Add(-l.cfg.Window)

	var count int
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN rate_limits.window_start <= ? THEN 1 ELSE rate_limits.count + 1 END,
			window_start = CASE WHEN rate_limits.window_start <= ? THEN excluded.window_start ELSE rate_limits.window_start END
		RETURNING count`,
		key, now, cutoff, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("rate limit check %q: %w", key, err)
	}
	return count <= l.cfg.Cap, nil
}

// Prune deletes windows that expired before cutoffAge ago; the sweeper
// calls this so the table doesn't accumulate one row per key forever.
func (l *SQLiteRateLimiter) Prune(ctx context.Context, cutoffAge time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start <= ?`,
		l.now().UTC().Add(-cutoffAge))
	if err != nil {
		return 0, fmt.Errorf("rate limit prune: %w", err)
	}
	return res.RowsAffected()
}
