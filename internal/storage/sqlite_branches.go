package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/pkg/models"
)

// sqliteBranchStore implements sessions.BranchStore on top of the branches
// and messages tables created by Migrate. Ancestor walks use a recursive CTE
// rather than looping queries in Go, the way the teacher's Postgres store
// favors set-based SQL over round trips for tree-shaped data.
type sqliteBranchStore struct {
	db *sql.DB
}

func (s *sqliteBranchStore) CreateBranch(ctx context.Context, branch *models.Branch) error {
	if branch == nil || branch.SessionID == "" || branch.Name == "" {
		return fmt.Errorf("branch session and name are required")
	}
	if branch.ID == "" {
		branch.ID = uuid.NewString()
	}
	now := time.Now()
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = now
	}
	branch.UpdatedAt = now
	if branch.Status == "" {
		branch.Status = models.BranchStatusActive
	}

	meta, err := json.Marshal(branch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal branch metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO branches (id, session_id, parent_branch_id, name, description, branch_point, status, is_primary, metadata, created_at, updated_at, merged_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		branch.ID, branch.SessionID, branch.ParentBranchID, branch.Name, branch.Description, branch.BranchPoint,
		string(branch.Status), boolToInt(branch.IsPrimary), string(meta), branch.CreatedAt, branch.UpdatedAt, branch.MergedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if branch.IsPrimary {
				return sessions.ErrPrimaryBranchExists
			}
			return sessions.ErrBranchAlreadyExists
		}
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

func (s *sqliteBranchStore) GetBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	if branchID == "" {
		return nil, sessions.ErrBranchNotFound
	}
	row := s.db.QueryRowContext(ctx, branchSelectColumns+` FROM branches WHERE id = ?`, branchID)
	return scanBranchRow(row)
}

func (s *sqliteBranchStore) UpdateBranch(ctx context.Context, branch *models.Branch) error {
	if branch == nil || branch.ID == "" {
		return fmt.Errorf("branch id is required")
	}
	branch.UpdatedAt = time.Now()
	meta, err := json.Marshal(branch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal branch metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET name=?, description=?, branch_point=?, status=?, is_primary=?, metadata=?, updated_at=?, merged_at=? WHERE id=?`,
		branch.Name, branch.Description, branch.BranchPoint, string(branch.Status), boolToInt(branch.IsPrimary),
		string(meta), branch.UpdatedAt, branch.MergedAt, branch.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sessions.ErrPrimaryBranchExists
		}
		return fmt.Errorf("update branch: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return sessions.ErrBranchNotFound
		}
		return err
	}
	return nil
}

func (s *sqliteBranchStore) DeleteBranch(ctx context.Context, branchID string, deleteMessages bool) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.IsPrimary {
		return sessions.ErrCannotDeletePrimary
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete branch: %w", err)
	}
	defer tx.Rollback()

	if deleteMessages {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE branch_id = ?`, branchID); err != nil {
			return fmt.Errorf("delete branch messages: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, branchID)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteBranchStore) GetPrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx, branchSelectColumns+` FROM branches WHERE session_id = ? AND is_primary = 1`, sessionID)
	return scanBranchRow(row)
}

func (s *sqliteBranchStore) ListBranches(ctx context.Context, sessionID string, opts sessions.BranchListOptions) ([]*models.Branch, error) {
	query := branchSelectColumns + ` FROM branches WHERE session_id = ?`
	args := []any{sessionID}

	if opts.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*opts.Status))
	} else if !opts.IncludeArchived {
		query += ` AND status != ?`
		args = append(args, string(models.BranchStatusArchived))
	}
	if opts.ParentBranchID != nil {
		query += ` AND parent_branch_id = ?`
		args = append(args, *opts.ParentBranchID)
	}

	orderBy := opts.OrderBy
	switch orderBy {
	case "updated_at", "name":
	default:
		orderBy = "created_at"
	}
	query += ` ORDER BY ` + orderBy
	if opts.OrderDesc {
		query += ` DESC`
	}
	query, args = appendLimitOffset(query, args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	branches := []*models.Branch{}
	for rows.Next() {
		branch, err := scanBranchRow(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (s *sqliteBranchStore) GetBranchTree(ctx context.Context, sessionID string) (*models.BranchTree, error) {
	all, err := s.ListBranches(ctx, sessionID, sessions.BranchListOptions{IncludeArchived: true, Limit: 10000})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sessions.ErrBranchNotFound
	}

	byID := make(map[string]*models.Branch, len(all))
	children := make(map[string][]*models.Branch)
	var root *models.Branch
	for _, b := range all {
		byID[b.ID] = b
		if b.IsPrimary {
			root = b
			continue
		}
		if b.ParentBranchID != nil {
			children[*b.ParentBranchID] = append(children[*b.ParentBranchID], b)
		}
	}
	if root == nil {
		return nil, sessions.ErrBranchNotFound
	}

	var build func(b *models.Branch, depth int) (*models.BranchTree, error)
	build = func(b *models.Branch, depth int) (*models.BranchTree, error) {
		count, err := s.countOwnMessages(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		node := &models.BranchTree{Branch: b, MessageCount: count, Depth: depth}
		kids := children[b.ID]
		sort.Slice(kids, func(i, j int) bool { return kids[i].CreatedAt.Before(kids[j].CreatedAt) })
		for _, kid := range kids {
			childNode, err := build(kid, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, childNode)
		}
		return node, nil
	}
	return build(root, 0)
}

func (s *sqliteBranchStore) GetFullBranchPath(ctx context.Context, branchID string) (*models.BranchPath, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE ancestry(id, parent_branch_id, depth) AS (
			SELECT id, parent_branch_id, 0 FROM branches WHERE id = ?
			UNION ALL
			SELECT b.id, b.parent_branch_id, a.depth + 1
			FROM branches b
			JOIN ancestry a ON b.id = a.parent_branch_id
		)
		SELECT id FROM ancestry ORDER BY depth DESC`, branchID)
	if err != nil {
		return nil, fmt.Errorf("walk branch ancestry: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ancestry row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, sessions.ErrBranchNotFound
	}

	branches := make([]*models.Branch, 0, len(ids))
	for _, id := range ids {
		branch, err := s.GetBranch(ctx, id)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return &models.BranchPath{BranchID: branchID, Path: ids, Branches: branches}, nil
}

func (s *sqliteBranchStore) GetBranchStats(ctx context.Context, branchID string) (*models.BranchStats, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	own, err := s.countOwnMessages(ctx, branchID)
	if err != nil {
		return nil, err
	}

	history, err := s.GetBranchHistory(ctx, branchID, 0)
	if err != nil {
		return nil, err
	}

	var childCount int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM branches WHERE parent_branch_id = ?`, branchID).Scan(&childCount); err != nil {
		return nil, fmt.Errorf("count child branches: %w", err)
	}

	stats := &models.BranchStats{
		BranchID:         branchID,
		TotalMessages:    len(history),
		OwnMessages:      own,
		ChildBranchCount: childCount,
	}
	_ = branch
	if len(history) > 0 {
		last := history[len(history)-1].CreatedAt
		stats.LastMessageAt = &last
	}
	return stats, nil
}

func (s *sqliteBranchStore) ForkBranch(ctx context.Context, parentBranchID string, branchPoint int64, name string) (*models.Branch, error) {
	parent, err := s.GetBranch(ctx, parentBranchID)
	if err != nil {
		return nil, err
	}
	if parent.Status == models.BranchStatusArchived {
		return nil, sessions.ErrBranchArchived
	}

	branch := models.NewBranch(parent.SessionID, name)
	branch.ParentBranchID = &parentBranchID
	branch.BranchPoint = branchPoint
	if err := s.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *sqliteBranchStore) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, strategy models.MergeStrategy) (*models.BranchMerge, error) {
	source, err := s.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	if !source.CanMerge() {
		if source.IsPrimary {
			return nil, sessions.ErrCannotMergePrimary
		}
		return nil, sessions.ErrBranchMerged
	}
	target, err := s.GetBranch(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}

	ownMessages, err := s.GetBranchOwnMessages(ctx, sourceBranchID, 0)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	nextSeq, err := nextSequenceTx(ctx, tx, targetBranchID)
	if err != nil {
		return nil, err
	}
	insertAt := nextSeq

	switch strategy {
	case models.MergeStrategyReplace, models.MergeStrategyContinue, models.MergeStrategyInterleave:
		// All three strategies converge to the same physical operation here:
		// re-home the source branch's own messages onto the target branch in
		// sequence order. Interleave-by-timestamp and divergent-replace
		// semantics only matter when the router renders history, not for
		// where rows live.
		for _, msg := range ownMessages {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET branch_id = ?, sequence = ? WHERE id = ?`, targetBranchID, nextSeq, msg.ID); err != nil {
				return nil, fmt.Errorf("merge message %s: %w", msg.ID, err)
			}
			nextSeq++
		}
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	now := time.Now()
	merge := &models.BranchMerge{
		ID:                   uuid.NewString(),
		SourceBranchID:       sourceBranchID,
		TargetBranchID:       targetBranchID,
		Strategy:             strategy,
		SourceSequenceStart:  0,
		SourceSequenceEnd:    int64(len(ownMessages)),
		TargetSequenceInsert: insertAt,
		MessageCount:         len(ownMessages),
		MergedAt:             now,
	}
	meta, err := json.Marshal(merge.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal merge metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO branch_merges (id, source_branch_id, target_branch_id, strategy, source_sequence_start, source_sequence_end, target_sequence_insert, message_count, metadata, merged_at, merged_by)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		merge.ID, merge.SourceBranchID, merge.TargetBranchID, string(merge.Strategy), merge.SourceSequenceStart,
		merge.SourceSequenceEnd, merge.TargetSequenceInsert, merge.MessageCount, string(meta), merge.MergedAt, merge.MergedBy,
	); err != nil {
		return nil, fmt.Errorf("record branch merge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE branches SET status = ?, merged_at = ?, updated_at = ? WHERE id = ?`,
		string(models.BranchStatusMerged), now, now, sourceBranchID); err != nil {
		return nil, fmt.Errorf("mark source branch merged: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	_ = target
	return merge, nil
}

func (s *sqliteBranchStore) ArchiveBranch(ctx context.Context, branchID string) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if !branch.CanArchive() {
		if branch.IsPrimary {
			return sessions.ErrCannotDeletePrimary
		}
		return sessions.ErrBranchMerged
	}
	branch.Status = models.BranchStatusArchived
	return s.UpdateBranch(ctx, branch)
}

func (s *sqliteBranchStore) CompareBranches(ctx context.Context, sourceBranchID, targetBranchID string) (*models.BranchCompare, error) {
	source, err := s.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	target, err := s.GetBranch(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}

	sourcePath, err := s.GetFullBranchPath(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	targetPath, err := s.GetFullBranchPath(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}

	targetSet := make(map[string]bool, len(targetPath.Path))
	for _, id := range targetPath.Path {
		targetSet[id] = true
	}

	var common *models.Branch
	var divergence int64
	for i := len(sourcePath.Branches) - 1; i >= 0; i-- {
		if targetSet[sourcePath.Path[i]] {
			common = sourcePath.Branches[i]
			divergence = common.BranchPoint
			break
		}
	}

	sourceOwn, err := s.countOwnMessages(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	targetOwn, err := s.countOwnMessages(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}

	return &models.BranchCompare{
		SourceBranch:    source,
		TargetBranch:    target,
		CommonAncestor:  common,
		DivergencePoint: divergence,
		SourceAhead:     sourceOwn,
		TargetAhead:     targetOwn,
	}, nil
}

func (s *sqliteBranchStore) AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if branchID == "" {
		primary, err := s.GetPrimaryBranch(ctx, sessionID)
		if err != nil {
			return err
		}
		branchID = primary.ID
	}
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.Status == models.BranchStatusArchived {
		return sessions.ErrBranchArchived
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID
	msg.BranchID = branchID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSequenceTx(ctx, tx, branchID)
	if err != nil {
		return err
	}
	msg.Sequence = seq

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, branch_id, sequence, channel, channel_id, direction, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.SessionID, msg.BranchID, msg.Sequence, string(msg.Channel), msg.ChannelID, string(msg.Direction), string(msg.Role),
		msg.Content, string(attachments), string(toolCalls), string(toolResults), string(meta), msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteBranchStore) GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	path, err := s.GetFullBranchPath(ctx, branchID)
	if err != nil {
		return nil, err
	}

	var history []*models.Message
	for i, branch := range path.Branches {
		var cutoff int64 = -1 // -1 means no cutoff (the branch itself)
		if i < len(path.Branches)-1 {
			cutoff = path.Branches[i+1].BranchPoint
		}
		msgs, err := s.loadBranchMessages(ctx, branch.ID, cutoff, 0, 0)
		if err != nil {
			return nil, err
		}
		history = append(history, msgs...)
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (s *sqliteBranchStore) GetBranchHistoryFromSequence(ctx context.Context, branchID string, fromSequence int64, limit int) ([]*models.Message, error) {
	all, err := s.GetBranchHistory(ctx, branchID, 0)
	if err != nil {
		return nil, err
	}
	filtered := make([]*models.Message, 0, len(all))
	for _, msg := range all {
		if msg.Sequence >= fromSequence {
			filtered = append(filtered, msg)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (s *sqliteBranchStore) GetBranchOwnMessages(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	return s.loadBranchMessages(ctx, branchID, -1, 0, limit)
}

func (s *sqliteBranchStore) EnsurePrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	existing, err := s.GetPrimaryBranch(ctx, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sessions.ErrBranchNotFound) {
		return nil, err
	}
	branch := models.NewPrimaryBranch(sessionID)
	if err := s.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *sqliteBranchStore) MigrateSessionToBranches(ctx context.Context, sessionID string) error {
	primary, err := s.EnsurePrimaryBranch(ctx, sessionID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET branch_id = ? WHERE session_id = ? AND (branch_id = '' OR branch_id IS NULL)`,
		primary.ID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("migrate session messages to branch: %w", err)
	}
	_, err = res.RowsAffected()
	return err
}

func (s *sqliteBranchStore) ResetPrimaryBranch(ctx context.Context, sessionID string) (int, error) {
	primary, err := s.EnsurePrimaryBranch(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE branch_id = ?`, primary.ID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count primary branch messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE branch_id = ?`, primary.ID); err != nil {
		return 0, fmt.Errorf("clear primary branch messages: %w", err)
	}
	return count, nil
}

// --- helpers ---

const branchSelectColumns = `SELECT id, session_id, parent_branch_id, name, description, branch_point, status, is_primary, metadata, created_at, updated_at, merged_at`

type branchScanner interface{ Scan(dest ...any) error }

func scanBranchRow(row branchScanner) (*models.Branch, error) {
	var b models.Branch
	var parentID sql.NullString
	var status string
	var isPrimary int
	var metaJSON string
	var mergedAt sql.NullTime

	if err := row.Scan(&b.ID, &b.SessionID, &parentID, &b.Name, &b.Description, &b.BranchPoint, &status, &isPrimary, &metaJSON, &b.CreatedAt, &b.UpdatedAt, &mergedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sessions.ErrBranchNotFound
		}
		return nil, fmt.Errorf("scan branch: %w", err)
	}
	if parentID.Valid {
		id := parentID.String
		b.ParentBranchID = &id
	}
	b.Status = models.BranchStatus(status)
	b.IsPrimary = isPrimary != 0
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &b.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal branch metadata: %w", err)
		}
	}
	if mergedAt.Valid {
		t := mergedAt.Time
		b.MergedAt = &t
	}
	return &b, nil
}

func (s *sqliteBranchStore) countOwnMessages(ctx context.Context, branchID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE branch_id = ?`, branchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count own messages: %w", err)
	}
	return count, nil
}

type sqlExecer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextSequenceTx(ctx context.Context, q sqlExecer, branchID string) (int64, error) {
	var max sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT max(sequence) FROM messages WHERE branch_id = ?`, branchID).Scan(&max); err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// loadBranchMessages loads a branch's own messages ordered by sequence.
// cutoff >= 0 restricts to sequence <= cutoff (used when the branch is an
// ancestor contributing only its inherited prefix); cutoff < 0 means no
// restriction.
func (s *sqliteBranchStore) loadBranchMessages(ctx context.Context, branchID string, cutoff int64, fromSequence int64, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, branch_id, sequence, channel, channel_id, direction, role, content, attachments, tool_calls, tool_results, metadata, created_at
		FROM messages WHERE branch_id = ?`
	args := []any{branchID}
	if cutoff >= 0 {
		query += ` AND sequence <= ?`
		args = append(args, cutoff)
	}
	if fromSequence > 0 {
		query += ` AND sequence >= ?`
		args = append(args, fromSequence)
	}
	query += ` ORDER BY sequence ASC`
	query, args = appendLimitOffset(query, args, limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load branch messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type messageScanner interface{ Scan(dest ...any) error }

func scanMessageRow(row messageScanner) (*models.Message, error) {
	var msg models.Message
	var channel, direction, role string
	var attachmentsJSON, toolCallsJSON, toolResultsJSON, metaJSON string

	if err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.BranchID, &msg.Sequence, &channel, &msg.ChannelID, &direction, &role,
		&msg.Content, &attachmentsJSON, &toolCallsJSON, &toolResultsJSON, &metaJSON, &msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Channel = models.ChannelType(channel)
	msg.Direction = models.Direction(direction)
	msg.Role = models.Role(role)

	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if toolCallsJSON != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if toolResultsJSON != "" {
		if err := json.Unmarshal([]byte(toolResultsJSON), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("unmarshal tool results: %w", err)
		}
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
