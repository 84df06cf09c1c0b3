package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type userRepo struct{ s *Store }

func (r *userRepo) Create(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = idutil.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	cfg, _ := json.Marshal(u.DefaultAgenticConfig)
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO users (id, email, password_hash, role, unix_username, must_change_password, default_agentic_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), u.ID, u.Email, u.PasswordHash, u.Role, u.UnixUsername, boolToInt(u.MustChangePassword), string(cfg), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return store.Conflict("user", err)
	}
	return nil
}

func (r *userRepo) scan(row interface {
	Scan(dest ...any) error
}) (*store.User, error) {
	u := &store.User{}
	var mustChange int
	var cfg string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.UnixUsername, &mustChange, &cfg, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.MustChangePassword = mustChange != 0
	_ = json.Unmarshal([]byte(cfg), &u.DefaultAgenticConfig)
	return u, nil
}

const userSelect = `SELECT id, email, password_hash, role, unix_username, must_change_password, default_agentic_config, created_at, updated_at FROM users`

func (r *userRepo) Get(ctx context.Context, idOrShortID string) (*store.User, error) {
	id, err := r.s.resolveID(ctx, "users", "user", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(userSelect+` WHERE id = ?`), id)
	u, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("user", idOrShortID)
	}
	return u, err
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(userSelect+` WHERE email = ?`), email)
	u, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("user", email)
	}
	return u, err
}

func (r *userRepo) Update(ctx context.Context, u *store.User) error {
	u.UpdatedAt = time.Now().UTC()
	cfg, _ := json.Marshal(u.DefaultAgenticConfig)
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE users SET email=?, password_hash=?, role=?, unix_username=?, must_change_password=?, default_agentic_config=?, updated_at=?
		WHERE id=?
	`), u.Email, u.PasswordHash, u.Role, u.UnixUsername, boolToInt(u.MustChangePassword), string(cfg), u.UpdatedAt, u.ID)
	if err != nil {
		return store.Conflict("user", err)
	}
	return noRowsToNotFound(res, "user", u.ID)
}

func (r *userRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM users WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "user", id)
}

func (r *userRepo) List(ctx context.Context) ([]*store.User, error) {
	rows, err := r.s.ro.QueryContext(ctx, userSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*store.User
	for rows.Next() {
		u, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func noRowsToNotFound(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}
