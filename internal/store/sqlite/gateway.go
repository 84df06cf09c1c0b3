package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type gatewayChannelRepo struct{ s *Store }

const gatewayChannelSelect = `SELECT id, channel_type, channel_key, agor_user_id, target_worktree_id, enabled, config,
	agentic_config, last_message_at, created_at, updated_at FROM gateway_channels`

func (r *gatewayChannelRepo) scan(row interface{ Scan(dest ...any) error }) (*store.GatewayChannel, error) {
	c := &store.GatewayChannel{}
	var enabled int
	if err := row.Scan(&c.ID, &c.ChannelType, &c.ChannelKey, &c.AgorUserID, &c.TargetWorktreeID, &enabled, &c.ConfigJ,
		&c.AgenticConfigJ, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	return c, nil
}

func (r *gatewayChannelRepo) Create(ctx context.Context, c *store.GatewayChannel) error {
	if c.ID == "" {
		c.ID = idutil.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.ConfigJ == "" {
		c.ConfigJ = "{}"
	}
	if c.AgenticConfigJ == "" {
		c.AgenticConfigJ = "{}"
	}
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO gateway_channels (id, channel_type, channel_key, agor_user_id, target_worktree_id, enabled, config,
			agentic_config, last_message_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`), c.ID, c.ChannelType, c.ChannelKey, c.AgorUserID, c.TargetWorktreeID, boolToInt(c.Enabled), c.ConfigJ,
		c.AgenticConfigJ, c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return store.Conflict("gateway_channel", err)
	}
	return nil
}

func (r *gatewayChannelRepo) Get(ctx context.Context, idOrShortID string) (*store.GatewayChannel, error) {
	id, err := r.s.resolveID(ctx, "gateway_channels", "gateway_channel", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(gatewayChannelSelect+` WHERE id=?`), id)
	c, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("gateway_channel", idOrShortID)
	}
	return c, err
}

// GetByKey looks up a channel by its opaque external identity (I6's
// (channel_id, thread_id) binding keys off this, not the internal ID).
func (r *gatewayChannelRepo) GetByKey(ctx context.Context, channelKey string) (*store.GatewayChannel, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(gatewayChannelSelect+` WHERE channel_key=?`), channelKey)
	c, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("gateway_channel", channelKey)
	}
	return c, err
}

func (r *gatewayChannelRepo) Update(ctx context.Context, c *store.GatewayChannel) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE gateway_channels SET target_worktree_id=?, enabled=?, config=?, agentic_config=?, updated_at=?
		WHERE id=?
	`), c.TargetWorktreeID, boolToInt(c.Enabled), c.ConfigJ, c.AgenticConfigJ, c.UpdatedAt, c.ID)
	if err != nil {
		return store.Conflict("gateway_channel", err)
	}
	return noRowsToNotFound(res, "gateway_channel", c.ID)
}

func (r *gatewayChannelRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM gateway_channels WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "gateway_channel", id)
}

func (r *gatewayChannelRepo) ListEnabled(ctx context.Context) ([]*store.GatewayChannel, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(gatewayChannelSelect+` WHERE enabled=1 ORDER BY created_at`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.GatewayChannel
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *gatewayChannelRepo) TouchLastMessageAt(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE gateway_channels SET last_message_at=?, updated_at=? WHERE id=?
	`), time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "gateway_channel", id)
}

type threadSessionMapRepo struct{ s *Store }

const threadSessionMapSelect = `SELECT channel_id, thread_id, session_id, status, last_message_at, created_at FROM thread_session_maps`

func (r *threadSessionMapRepo) scan(row interface{ Scan(dest ...any) error }) (*store.ThreadSessionMap, error) {
	m := &store.ThreadSessionMap{}
	if err := row.Scan(&m.ChannelID, &m.ThreadID, &m.SessionID, &m.Status, &m.LastMessageAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// Create inserts a new (channel_id, thread_id) -> session_id binding. The
// table's unique index on (channel_id, thread_id) enforces that the mapping
// stays functional per I6: a second Create for the same pair is a conflict,
// not an overwrite.
func (r *threadSessionMapRepo) Create(ctx context.Context, m *store.ThreadSessionMap) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastMessageAt.IsZero() {
		m.LastMessageAt = now
	}
	if m.Status == "" {
		m.Status = store.ThreadMapActive
	}
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO thread_session_maps (channel_id, thread_id, session_id, status, last_message_at, created_at)
		VALUES (?,?,?,?,?,?)
	`), m.ChannelID, m.ThreadID, m.SessionID, m.Status, m.LastMessageAt, m.CreatedAt)
	if err != nil {
		return store.Conflict("thread_session_map", err)
	}
	return nil
}

func (r *threadSessionMapRepo) Get(ctx context.Context, channelID, threadID string) (*store.ThreadSessionMap, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(
		threadSessionMapSelect+` WHERE channel_id=? AND thread_id=?`,
	), channelID, threadID)
	m, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("thread_session_map", channelID+"/"+threadID)
	}
	return m, err
}

func (r *threadSessionMapRepo) GetBySessionID(ctx context.Context, sessionID string) (*store.ThreadSessionMap, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(threadSessionMapSelect+` WHERE session_id=?`), sessionID)
	m, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("thread_session_map", sessionID)
	}
	return m, err
}

func (r *threadSessionMapRepo) TouchLastMessageAt(ctx context.Context, channelID, threadID string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE thread_session_maps SET last_message_at=? WHERE channel_id=? AND thread_id=?
	`), time.Now().UTC(), channelID, threadID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "thread_session_map", channelID+"/"+threadID)
}

func (r *threadSessionMapRepo) Close(ctx context.Context, channelID, threadID string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE thread_session_maps SET status=? WHERE channel_id=? AND thread_id=?
	`), store.ThreadMapClosed, channelID, threadID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "thread_session_map", channelID+"/"+threadID)
}
