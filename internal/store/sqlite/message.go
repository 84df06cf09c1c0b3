package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type messageRepo struct{ s *Store }

const messageSelect = `SELECT id, session_id, task_id, role, content, timestamp, parent_tool_use_id, sequence_index FROM messages`

func (r *messageRepo) scan(row interface{ Scan(dest ...any) error }) (*store.Message, error) {
	m := &store.Message{}
	if err := row.Scan(&m.ID, &m.SessionID, &m.TaskID, &m.Role, &m.ContentJ, &m.Timestamp, &m.ParentToolUseID, &m.SequenceIndex); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(m.ContentJ), &m.Content)
	return m, nil
}

func (r *messageRepo) Create(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = idutil.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	content, _ := json.Marshal(m.Content)
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO messages (id, session_id, task_id, role, content, timestamp, parent_tool_use_id, sequence_index)
		VALUES (?,?,?,?,?,?,?,?)
	`), m.ID, m.SessionID, m.TaskID, m.Role, string(content), m.Timestamp, m.ParentToolUseID, m.SequenceIndex)
	if err != nil {
		return store.Conflict("message", err)
	}
	return nil
}

func (r *messageRepo) Get(ctx context.Context, id string) (*store.Message, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(messageSelect+` WHERE id=?`), id)
	m, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("message", id)
	}
	return m, err
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string) ([]*store.Message, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(messageSelect+` WHERE session_id=? ORDER BY sequence_index`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Message
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *messageRepo) ListByTask(ctx context.Context, taskID string) ([]*store.Message, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(messageSelect+` WHERE task_id=? ORDER BY sequence_index`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Message
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
