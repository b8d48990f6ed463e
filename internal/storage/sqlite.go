package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loopgateway/loopgw/internal/auth"
	"github.com/loopgateway/loopgw/pkg/models"
)

// SQLiteConfig tunes the embedded database connection pool. Loop Gateway is
// a single-process gateway, so the pool only needs to absorb bursts of
// concurrent channel adapters and sweepers, not a fleet of app servers.
type SQLiteConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// EncryptionKey, if set, must be exactly 32 bytes and enables
	// ChaCha20-Poly1305 encryption of channel connection and MCP server
	// secrets. Rows written before a key was configured stay readable
	// as plaintext.
	EncryptionKey []byte
}

// DefaultSQLiteConfig returns sensible defaults for the embedded database.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		MaxOpenConns:    8,
		MaxIdleConns:    8,
		ConnMaxLifetime: time.Hour,
	}
}

// NewSQLiteStoresFromPath opens (creating if necessary) a modernc.org/sqlite
// database at path, applies pending migrations, and returns the full
// StoreSet. path may be ":memory:" for tests.
func NewSQLiteStoresFromPath(path string, config *SQLiteConfig) (StoreSet, error) {
	if strings.TrimSpace(path) == "" {
		return StoreSet{}, fmt.Errorf("storage: path is required")
	}
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("storage: open database: %w", err)
	}

	if path == ":memory:" {
		// Each connection to modernc.org/sqlite's ":memory:" DSN gets its own
		// isolated database, so a pool larger than one would silently lose
		// writes made on other connections. Single-connection mode is the
		// only correct setting here; it's test-only in practice.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("storage: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("storage: migrate: %w", err)
	}

	var cipher *columnCipher
	if len(config.EncryptionKey) > 0 {
		cipher, err = newColumnCipher(config.EncryptionKey)
		if err != nil {
			_ = db.Close()
			return StoreSet{}, err
		}
	}

	return StoreSet{
		Agents:    &sqliteAgentStore{db: db},
		Channels:  &sqliteChannelConnectionStore{db: db, cipher: cipher},
		Users:     &sqliteUserStore{db: db},
		Sessions:  &sqliteSessionStore{db: db},
		Branches:  &sqliteBranchStore{db: db},
		Approvals: NewSQLiteApprovalStore(db),
		Runs:      &sqliteRunStore{db: db},
		db:        db,
		closer:    db.Close,
	}, nil
}

// --- Agents ---

type sqliteAgentStore struct {
	db *sql.DB
}

func (s *sqliteAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	tools, err := json.Marshal(agent.Tools)
	if err != nil {
		return fmt.Errorf("marshal agent tools: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		agent.ID, agent.UserID, agent.Name, agent.SystemPrompt, agent.Model, agent.Provider,
		string(tools), string(cfg), agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *sqliteAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	return scanAgentRow(row)
}

func (s *sqliteAgentStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error) {
	args := []any{}
	where := ""
	if userID != "" {
		where = " WHERE user_id = ?"
		args = append(args, userID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM agents"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	query := `SELECT id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at FROM agents` + where + " ORDER BY created_at DESC"
	query, args = appendLimitOffset(query, args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, 0, err
		}
		agents = append(agents, agent)
	}
	return agents, total, rows.Err()
}

func (s *sqliteAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	tools, err := json.Marshal(agent.Tools)
	if err != nil {
		return fmt.Errorf("marshal agent tools: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, system_prompt=?, model=?, provider=?, tools=?, config=?, updated_at=? WHERE id=?`,
		agent.Name, agent.SystemPrompt, agent.Model, agent.Provider, string(tools), string(cfg), agent.UpdatedAt, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteAgentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRowsAffected(res)
}

type agentScanner interface{ Scan(dest ...any) error }

func scanAgentRow(row agentScanner) (*models.Agent, error) {
	var agent models.Agent
	var toolsJSON, configJSON string
	if err := row.Scan(
		&agent.ID, &agent.UserID, &agent.Name, &agent.SystemPrompt, &agent.Model, &agent.Provider,
		&toolsJSON, &configJSON, &agent.CreatedAt, &agent.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &agent.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal agent tools: %w", err)
		}
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &agent.Config); err != nil {
			return nil, fmt.Errorf("unmarshal agent config: %w", err)
		}
	}
	return &agent, nil
}

// --- Channel connections ---

type sqliteChannelConnectionStore struct {
	db     *sql.DB
	cipher *columnCipher
}

func (s *sqliteChannelConnectionStore) Create(ctx context.Context, conn *models.ChannelConnection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("connection is required")
	}
	cfg, err := s.encryptConfig(conn.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_connections (id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		conn.ID, conn.UserID, string(conn.ChannelType), conn.ChannelID, string(conn.Status), cfg, conn.ConnectedAt, conn.LastActivityAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create channel connection: %w", err)
	}
	return nil
}

func (s *sqliteChannelConnectionStore) Get(ctx context.Context, id string) (*models.ChannelConnection, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at
		 FROM channel_connections WHERE id = ?`, id)
	return s.scanRow(row)
}

func (s *sqliteChannelConnectionStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.ChannelConnection, int, error) {
	args := []any{}
	where := ""
	if userID != "" {
		where = " WHERE user_id = ?"
		args = append(args, userID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM channel_connections"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count channel connections: %w", err)
	}

	query := `SELECT id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at FROM channel_connections` + where + " ORDER BY connected_at DESC"
	query, args = appendLimitOffset(query, args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list channel connections: %w", err)
	}
	defer rows.Close()

	conns := []*models.ChannelConnection{}
	for rows.Next() {
		conn, err := s.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		conns = append(conns, conn)
	}
	return conns, total, rows.Err()
}

func (s *sqliteChannelConnectionStore) Update(ctx context.Context, conn *models.ChannelConnection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("connection is required")
	}
	cfg, err := s.encryptConfig(conn.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_connections SET user_id=?, channel_type=?, channel_id=?, status=?, config=?, connected_at=?, last_activity_at=? WHERE id=?`,
		conn.UserID, string(conn.ChannelType), conn.ChannelID, string(conn.Status), cfg, conn.ConnectedAt, conn.LastActivityAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel connection: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteChannelConnectionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel connection: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteChannelConnectionStore) encryptConfig(config map[string]any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal connection config: %w", err)
	}
	if s.cipher == nil {
		return string(raw), nil
	}
	enc, err := s.cipher.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt connection config: %w", err)
	}
	return enc, nil
}

type connScanner interface{ Scan(dest ...any) error }

func (s *sqliteChannelConnectionStore) scanRow(row connScanner) (*models.ChannelConnection, error) {
	var conn models.ChannelConnection
	var channelType, status, configRaw string
	if err := row.Scan(
		&conn.ID, &conn.UserID, &channelType, &conn.ChannelID, &status, &configRaw, &conn.ConnectedAt, &conn.LastActivityAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel connection: %w", err)
	}
	conn.ChannelType = models.ChannelType(channelType)
	conn.Status = models.ConnectionStatus(status)

	plain := configRaw
	if s.cipher != nil {
		decrypted, err := s.cipher.Decrypt(configRaw)
		if err != nil {
			return nil, fmt.Errorf("decrypt connection config: %w", err)
		}
		plain = decrypted
	}
	if plain != "" {
		if err := json.Unmarshal([]byte(plain), &conn.Config); err != nil {
			return nil, fmt.Errorf("unmarshal connection config: %w", err)
		}
	}
	return &conn, nil
}

// --- Users ---

type sqliteUserStore struct {
	db *sql.DB
}

func (s *sqliteUserStore) FindOrCreate(ctx context.Context, info *auth.UserInfo) (*models.User, error) {
	if info == nil {
		return nil, fmt.Errorf("user info is required")
	}
	provider := strings.ToLower(strings.TrimSpace(info.Provider))
	providerID := strings.TrimSpace(info.ID)
	email := strings.TrimSpace(info.Email)

	if user, err := s.findExisting(ctx, provider, providerID, email); err != nil {
		return nil, err
	} else if user != nil {
		return s.updateFromInfo(ctx, user, info, provider, providerID)
	}

	user := &models.User{
		ID:         uuid.NewString(),
		Email:      email,
		Name:       info.Name,
		AvatarURL:  info.AvatarURL,
		Provider:   provider,
		ProviderID: providerID,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.insert(ctx, user); err != nil {
		if isUniqueViolation(err) {
			if existing, retryErr := s.findExisting(ctx, provider, providerID, email); retryErr != nil {
				return nil, retryErr
			} else if existing != nil {
				return s.updateFromInfo(ctx, existing, info, provider, providerID)
			}
			return nil, fmt.Errorf("user conflict but not found on retry: %w", err)
		}
		return nil, err
	}
	return user, nil
}

func (s *sqliteUserStore) findExisting(ctx context.Context, provider, providerID, email string) (*models.User, error) {
	if provider != "" && providerID != "" {
		if user, err := s.getByProvider(ctx, provider, providerID); err != nil {
			return nil, err
		} else if user != nil {
			return user, nil
		}
	}
	if email != "" {
		if user, err := s.getByEmail(ctx, email); err != nil {
			return nil, err
		} else if user != nil {
			return user, nil
		}
	}
	return nil, nil
}

func (s *sqliteUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at FROM users WHERE id = ?`, id)
	return scanUserRow(row)
}

func (s *sqliteUserStore) getByProvider(ctx context.Context, provider, providerID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at FROM users WHERE provider = ? AND provider_id = ?`,
		provider, providerID)
	user, err := scanUserRow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (s *sqliteUserStore) getByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at FROM users WHERE lower(email) = lower(?)`, email)
	user, err := scanUserRow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (s *sqliteUserStore) insert(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, avatar_url, provider, provider_id, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		user.ID, user.Email, user.Name, user.AvatarURL, user.Provider, user.ProviderID, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *sqliteUserStore) updateFromInfo(ctx context.Context, user *models.User, info *auth.UserInfo, provider, providerID string) (*models.User, error) {
	if info.Email != "" {
		user.Email = strings.TrimSpace(info.Email)
	}
	if info.Name != "" {
		user.Name = info.Name
	}
	if info.AvatarURL != "" {
		user.AvatarURL = info.AvatarURL
	}
	if provider != "" && providerID != "" {
		user.Provider = provider
		user.ProviderID = providerID
	}
	user.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email=?, name=?, avatar_url=?, provider=?, provider_id=?, updated_at=? WHERE id=?`,
		user.Email, user.Name, user.AvatarURL, user.Provider, user.ProviderID, user.UpdatedAt, user.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return nil, err
	}
	return user, nil
}

type userScanner interface{ Scan(dest ...any) error }

func scanUserRow(row userScanner) (*models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.AvatarURL, &user.Provider, &user.ProviderID, &user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &user, nil
}

// --- Sessions ---

type sqliteSessionStore struct {
	db *sql.DB
}

func (s *sqliteSessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		session.ID, session.AgentID, string(session.Channel), session.ChannelID, session.Key, session.Title, string(meta), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *sqliteSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSQLiteSessionRow(row)
}

func (s *sqliteSessionStore) GetByKey(ctx context.Context, channel models.ChannelType, channelID, key string) (*models.Session, error) {
	if channelID == "" || key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at
		 FROM sessions WHERE channel = ? AND channel_id = ? AND key = ?`, string(channel), channelID, key)
	return scanSQLiteSessionRow(row)
}

func (s *sqliteSessionStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title=?, metadata=?, updated_at=? WHERE id=?`, session.Title, string(meta), session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteSessionStore) List(ctx context.Context, limit, offset int) ([]*models.Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at FROM sessions ORDER BY updated_at DESC`
	query, args := appendLimitOffset(query, nil, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSQLiteSessionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

type sqliteSessionScanner interface{ Scan(dest ...any) error }

func scanSQLiteSessionRow(row sqliteSessionScanner) (*models.Session, error) {
	var session models.Session
	var channel, metaJSON string
	if err := row.Scan(
		&session.ID, &session.AgentID, &channel, &session.ChannelID, &session.Key, &session.Title, &metaJSON, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Channel = models.ChannelType(channel)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

// --- shared helpers ---

// appendLimitOffset appends LIMIT/OFFSET clauses using positional `?`
// placeholders, returning the extended query and argument list.
func appendLimitOffset(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}

func requireRowsAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation detects SQLite's UNIQUE constraint failure message,
// mirroring how the teacher's Postgres store matched on "duplicate".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
