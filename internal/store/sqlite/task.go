package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type taskRepo struct{ s *Store }

const taskSelect = `SELECT id, session_id, status, full_prompt, description, message_range, tool_use_count, report,
	git_state, raw_sdk_response, normalized_sdk_response, computed_context_window, failure_reason, completed_at,
	created_at, updated_at FROM tasks`

func (r *taskRepo) scan(row interface{ Scan(dest ...any) error }) (*store.Task, error) {
	t := &store.Task{}
	var normalizedJ sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &t.Status, &t.FullPrompt, &t.Description, &t.MessageRangeJ, &t.ToolUseCount,
		&t.Report, &t.GitStateJ, &t.RawSDKResponse, &normalizedJ, &t.ComputedContextWindow, &t.FailureReason,
		&t.CompletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(t.MessageRangeJ), &t.MessageRange)
	_ = json.Unmarshal([]byte(t.GitStateJ), &t.GitState)
	if normalizedJ.Valid && normalizedJ.String != "" {
		var n store.NormalizedSDKResponse
		if err := json.Unmarshal([]byte(normalizedJ.String), &n); err == nil {
			t.NormalizedSDKResponse = &n
		}
		t.NormalizedSDKResponseJ = normalizedJ.String
	}
	return t, nil
}

func (r *taskRepo) Create(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = idutil.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	msgRange, _ := json.Marshal(t.MessageRange)
	gitState, _ := json.Marshal(t.GitState)

	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO tasks (id, session_id, status, full_prompt, description, message_range, tool_use_count, report,
			git_state, raw_sdk_response, normalized_sdk_response, computed_context_window, failure_reason, completed_at,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`), t.ID, t.SessionID, t.Status, t.FullPrompt, t.Description, string(msgRange), t.ToolUseCount, t.Report,
		string(gitState), t.RawSDKResponse, "", t.ComputedContextWindow, t.FailureReason, t.CompletedAt,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return store.Conflict("task", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, idOrShortID string) (*store.Task, error) {
	id, err := r.s.resolveID(ctx, "tasks", "task", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(taskSelect+` WHERE id=?`), id)
	t, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("task", idOrShortID)
	}
	return t, err
}

func (r *taskRepo) Update(ctx context.Context, t *store.Task) error {
	t.UpdatedAt = time.Now().UTC()
	msgRange, _ := json.Marshal(t.MessageRange)
	gitState, _ := json.Marshal(t.GitState)
	normalizedJ := ""
	if t.NormalizedSDKResponse != nil {
		b, _ := json.Marshal(t.NormalizedSDKResponse)
		normalizedJ = string(b)
	}

	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE tasks SET status=?, message_range=?, tool_use_count=?, report=?, git_state=?, raw_sdk_response=?,
			normalized_sdk_response=?, computed_context_window=?, failure_reason=?, completed_at=?, updated_at=?
		WHERE id=?
	`), t.Status, string(msgRange), t.ToolUseCount, t.Report, string(gitState), t.RawSDKResponse,
		normalizedJ, t.ComputedContextWindow, t.FailureReason, t.CompletedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return store.Conflict("task", err)
	}
	return noRowsToNotFound(res, "task", t.ID)
}

// ActiveTask returns the session's most recently created non-terminal task
// (status IN pending, running, awaiting_permission). It only reads; the
// one-active-task rule is enforced by the caller checking this result.
// Zero rows is not an error; it means the session is idle.
func (r *taskRepo) ActiveTask(ctx context.Context, sessionID string) (*store.Task, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(
		taskSelect+` WHERE session_id=? AND status IN ('pending','running','awaiting_permission') ORDER BY created_at DESC LIMIT 1`,
	), sessionID)
	t, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *taskRepo) LatestTerminal(ctx context.Context, sessionID string, beforeTaskID string) (*store.Task, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(
		taskSelect+` WHERE session_id=? AND status IN ('completed','failed','stopped') AND id != ?
			ORDER BY created_at DESC LIMIT 1`,
	), sessionID, beforeTaskID)
	t, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *taskRepo) ListBySession(ctx context.Context, sessionID string) ([]*store.Task, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(taskSelect+` WHERE session_id=? ORDER BY created_at`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Task
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *taskRepo) ListStalePending(ctx context.Context, olderThanSeconds int) ([]*store.Task, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(
		taskSelect+` WHERE status='pending' AND created_at < ?`,
	), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Task
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
