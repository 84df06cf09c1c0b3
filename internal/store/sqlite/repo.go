package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type repoRepo struct{ s *Store }

const repoSelect = `SELECT id, slug, remote_url, local_path, default_branch, unix_group, environment_config, created_at, updated_at FROM repos`

func (r *repoRepo) scan(row interface{ Scan(dest ...any) error }) (*store.Repo, error) {
	rr := &store.Repo{}
	if err := row.Scan(&rr.ID, &rr.Slug, &rr.RemoteURL, &rr.LocalPath, &rr.DefaultBranch, &rr.UnixGroup, &rr.EnvironmentConfigJ, &rr.CreatedAt, &rr.UpdatedAt); err != nil {
		return nil, err
	}
	return rr, nil
}

func (r *repoRepo) Create(ctx context.Context, rr *store.Repo) error {
	if rr.ID == "" {
		rr.ID = idutil.New()
	}
	now := time.Now().UTC()
	rr.CreatedAt, rr.UpdatedAt = now, now
	if rr.EnvironmentConfigJ == "" {
		rr.EnvironmentConfigJ = "{}"
	}
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO repos (id, slug, remote_url, local_path, default_branch, unix_group, environment_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rr.ID, rr.Slug, rr.RemoteURL, rr.LocalPath, rr.DefaultBranch, rr.UnixGroup, rr.EnvironmentConfigJ, rr.CreatedAt, rr.UpdatedAt)
	if err != nil {
		return store.Conflict("repo", err)
	}
	return nil
}

func (r *repoRepo) Get(ctx context.Context, idOrShortID string) (*store.Repo, error) {
	id, err := r.s.resolveID(ctx, "repos", "repo", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(repoSelect+` WHERE id=?`), id)
	rr, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("repo", idOrShortID)
	}
	return rr, err
}

func (r *repoRepo) GetBySlug(ctx context.Context, slug string) (*store.Repo, error) {
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(repoSelect+` WHERE slug=?`), slug)
	rr, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("repo", slug)
	}
	return rr, err
}

func (r *repoRepo) Update(ctx context.Context, rr *store.Repo) error {
	rr.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE repos SET slug=?, remote_url=?, local_path=?, default_branch=?, unix_group=?, environment_config=?, updated_at=?
		WHERE id=?
	`), rr.Slug, rr.RemoteURL, rr.LocalPath, rr.DefaultBranch, rr.UnixGroup, rr.EnvironmentConfigJ, rr.UpdatedAt, rr.ID)
	if err != nil {
		return store.Conflict("repo", err)
	}
	return noRowsToNotFound(res, "repo", rr.ID)
}

func (r *repoRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM repos WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "repo", id)
}

func (r *repoRepo) List(ctx context.Context) ([]*store.Repo, error) {
	rows, err := r.s.ro.QueryContext(ctx, repoSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Repo
	for rows.Next() {
		rr, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// NextWorktreeUniqueID returns the smallest integer ≥1 not currently in use
// by a non-removed worktree of repoID (min-free-integer reuse rather
// than pure monotonic growth).
func (r *repoRepo) NextWorktreeUniqueID(ctx context.Context, repoID string) (int, error) {
	var used []int
	err := r.s.ro.SelectContext(ctx, &used, r.s.ro.Rebind(`
		SELECT worktree_unique_id FROM worktrees WHERE repo_id=? AND filesystem_status != 'removed' ORDER BY worktree_unique_id
	`), repoID)
	if err != nil {
		return 0, err
	}
	usedSet := make(map[int]bool, len(used))
	for _, id := range used {
		usedSet[id] = true
	}
	for candidate := 1; ; candidate++ {
		if !usedSet[candidate] {
			return candidate, nil
		}
	}
}
