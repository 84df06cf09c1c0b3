package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type mcpServerRepo struct{ s *Store }

const mcpServerSelect = `SELECT id, name, url, command, config, created_by, created_at FROM mcp_servers`

func (r *mcpServerRepo) scan(row interface{ Scan(dest ...any) error }) (*store.MCPServer, error) {
	m := &store.MCPServer{}
	if err := row.Scan(&m.ID, &m.Name, &m.URL, &m.Command, &m.ConfigJ, &m.CreatedBy, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *mcpServerRepo) Create(ctx context.Context, m *store.MCPServer) error {
	if m.ID == "" {
		m.ID = idutil.New()
	}
	m.CreatedAt = time.Now().UTC()
	if m.ConfigJ == "" {
		m.ConfigJ = "{}"
	}
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO mcp_servers (id, name, url, command, config, created_by, created_at) VALUES (?,?,?,?,?,?,?)
	`), m.ID, m.Name, m.URL, m.Command, m.ConfigJ, m.CreatedBy, m.CreatedAt)
	if err != nil {
		return store.Conflict("mcp_server", err)
	}
	return nil
}

func (r *mcpServerRepo) Get(ctx context.Context, idOrShortID string) (*store.MCPServer, error) {
	id, err := r.s.resolveID(ctx, "mcp_servers", "mcp_server", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(mcpServerSelect+` WHERE id=?`), id)
	m, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("mcp_server", idOrShortID)
	}
	return m, err
}

func (r *mcpServerRepo) List(ctx context.Context) ([]*store.MCPServer, error) {
	rows, err := r.s.ro.QueryContext(ctx, mcpServerSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.MCPServer
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *mcpServerRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM mcp_servers WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "mcp_server", id)
}

func (r *mcpServerRepo) Attach(ctx context.Context, sessionID, mcpServerID string) error {
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO session_mcp_servers (session_id, mcp_server_id, attached_at) VALUES (?,?,?)
	`), sessionID, mcpServerID, time.Now().UTC())
	if err != nil {
		return store.Conflict("session_mcp_server", err)
	}
	return nil
}

func (r *mcpServerRepo) Detach(ctx context.Context, sessionID, mcpServerID string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		DELETE FROM session_mcp_servers WHERE session_id=? AND mcp_server_id=?
	`), sessionID, mcpServerID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "session_mcp_server", sessionID+"/"+mcpServerID)
}

func (r *mcpServerRepo) ListAttached(ctx context.Context, sessionID string) ([]*store.MCPServer, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(
		mcpServerSelect+` WHERE id IN (SELECT mcp_server_id FROM session_mcp_servers WHERE session_id=?) ORDER BY created_at`,
	), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.MCPServer
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
