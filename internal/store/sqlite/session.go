package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type sessionRepo struct{ s *Store }

const sessionSelect = `SELECT id, worktree_id, created_by, unix_username, agentic_tool, permission_config, model_config,
	status, task_ids, message_count, genealogy, custom_context, archived, created_at, updated_at FROM sessions`

func (r *sessionRepo) scan(row interface{ Scan(dest ...any) error }) (*store.Session, error) {
	s := &store.Session{}
	var taskIDsJ string
	var archived int
	if err := row.Scan(&s.ID, &s.WorktreeID, &s.CreatedBy, &s.UnixUsername, &s.AgenticTool, &s.PermissionConfigJ, &s.ModelConfigJ,
		&s.Status, &taskIDsJ, &s.MessageCount, &s.GenealogyJ, &s.CustomContextJ, &archived, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Archived = archived != 0
	_ = json.Unmarshal([]byte(s.PermissionConfigJ), &s.PermissionConfig)
	_ = json.Unmarshal([]byte(s.ModelConfigJ), &s.ModelConfig)
	_ = json.Unmarshal([]byte(s.GenealogyJ), &s.Genealogy)
	_ = json.Unmarshal([]byte(s.CustomContextJ), &s.CustomContext)
	return s, nil
}

func (r *sessionRepo) Create(ctx context.Context, s *store.Session) error {
	if s.ID == "" {
		s.ID = idutil.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	permCfg, _ := json.Marshal(s.PermissionConfig)
	modelCfg, _ := json.Marshal(s.ModelConfig)
	genealogy, _ := json.Marshal(s.Genealogy)
	customCtx, _ := json.Marshal(s.CustomContext)

	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO sessions (id, worktree_id, created_by, unix_username, agentic_tool, permission_config, model_config,
			status, task_ids, message_count, genealogy, custom_context, archived, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`), s.ID, s.WorktreeID, s.CreatedBy, s.UnixUsername, s.AgenticTool, string(permCfg), string(modelCfg),
		s.Status, "[]", 0, string(genealogy), string(customCtx), boolToInt(s.Archived), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return store.Conflict("session", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, idOrShortID string) (*store.Session, error) {
	id, err := r.s.resolveID(ctx, "sessions", "session", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(sessionSelect+` WHERE id=?`), id)
	s, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("session", idOrShortID)
	}
	return s, err
}

func (r *sessionRepo) Update(ctx context.Context, s *store.Session) error {
	s.UpdatedAt = time.Now().UTC()
	permCfg, _ := json.Marshal(s.PermissionConfig)
	modelCfg, _ := json.Marshal(s.ModelConfig)
	genealogy, _ := json.Marshal(s.Genealogy)
	customCtx, _ := json.Marshal(s.CustomContext)

	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE sessions SET agentic_tool=?, permission_config=?, model_config=?, status=?, genealogy=?, custom_context=?,
			archived=?, updated_at=?
		WHERE id=?
	`), s.AgenticTool, string(permCfg), string(modelCfg), s.Status, string(genealogy), string(customCtx),
		boolToInt(s.Archived), s.UpdatedAt, s.ID)
	if err != nil {
		return store.Conflict("session", err)
	}
	return noRowsToNotFound(res, "session", s.ID)
}

// AppendTaskID appends taskID to task_ids within a write-serialized
// transaction, preserving I1's strict creation order. The writer pool's
// single connection makes this safe under SQLite; Postgres callers rely on
// row-level locking via SELECT ... FOR UPDATE semantics of the same tx.
func (r *sessionRepo) AppendTaskID(ctx context.Context, sessionID, taskID string) ([]string, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT task_ids FROM sessions WHERE id=?`
	if r.s.driver == "pgx" {
		query += ` FOR UPDATE`
	}
	var taskIDsJ string
	if err := tx.QueryRowContext(ctx, tx.Rebind(query), sessionID).Scan(&taskIDsJ); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.NotFound("session", sessionID)
		}
		return nil, err
	}

	var ids []string
	_ = json.Unmarshal([]byte(taskIDsJ), &ids)
	ids = append(ids, taskID)
	updated, _ := json.Marshal(ids)

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET task_ids=?, updated_at=? WHERE id=?`),
		string(updated), time.Now().UTC(), sessionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *sessionRepo) ListTaskIDs(ctx context.Context, sessionID string) ([]string, error) {
	var taskIDsJ string
	err := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(`SELECT task_ids FROM sessions WHERE id=?`), sessionID).Scan(&taskIDsJ)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	_ = json.Unmarshal([]byte(taskIDsJ), &ids)
	return ids, nil
}

func (r *sessionRepo) IncrementMessageCount(ctx context.Context, sessionID string, delta int) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE sessions SET message_count = message_count + ?, updated_at=? WHERE id=?
	`), delta, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "session", sessionID)
}

func (r *sessionRepo) Archive(ctx context.Context, sessionID string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE sessions SET archived=1, updated_at=? WHERE id=?
	`), time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "session", sessionID)
}

func (r *sessionRepo) ListByWorktree(ctx context.Context, worktreeID string) ([]*store.Session, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(sessionSelect+` WHERE worktree_id=? ORDER BY created_at`), worktreeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Session
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
