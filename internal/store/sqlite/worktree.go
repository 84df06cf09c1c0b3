package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type worktreeRepo struct{ s *Store }

const worktreeSelect = `SELECT id, repo_id, name, ref, ref_type, path, base_ref, new_branch, worktree_unique_id, board_id,
	created_by, filesystem_status, filesystem_error, others_can, others_fs_access, unix_group, environment_instance,
	created_at, updated_at FROM worktrees`

func (r *worktreeRepo) scan(row interface{ Scan(dest ...any) error }) (*store.Worktree, error) {
	w := &store.Worktree{}
	var newBranch int
	if err := row.Scan(&w.ID, &w.RepoID, &w.Name, &w.Ref, &w.RefType, &w.Path, &w.BaseRef, &newBranch, &w.WorktreeUniqueID,
		&w.BoardID, &w.CreatedBy, &w.FilesystemStatus, &w.FilesystemError, &w.OthersCan, &w.OthersFSAccess, &w.UnixGroup,
		&w.EnvironmentInstance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.NewBranch = newBranch != 0
	return w, nil
}

func (r *worktreeRepo) Create(ctx context.Context, w *store.Worktree) error {
	if w.ID == "" {
		w.ID = idutil.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO worktrees (id, repo_id, name, ref, ref_type, path, base_ref, new_branch, worktree_unique_id, board_id,
			created_by, filesystem_status, filesystem_error, others_can, others_fs_access, unix_group, environment_instance,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`), w.ID, w.RepoID, w.Name, w.Ref, w.RefType, w.Path, w.BaseRef, boolToInt(w.NewBranch), w.WorktreeUniqueID, w.BoardID,
		w.CreatedBy, w.FilesystemStatus, w.FilesystemError, w.OthersCan, w.OthersFSAccess, w.UnixGroup, w.EnvironmentInstance,
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return store.Conflict("worktree", err)
	}
	return nil
}

func (r *worktreeRepo) Get(ctx context.Context, idOrShortID string) (*store.Worktree, error) {
	id, err := r.s.resolveID(ctx, "worktrees", "worktree", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(worktreeSelect+` WHERE id=?`), id)
	w, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("worktree", idOrShortID)
	}
	return w, err
}

func (r *worktreeRepo) Update(ctx context.Context, w *store.Worktree) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE worktrees SET name=?, ref=?, ref_type=?, path=?, base_ref=?, new_branch=?, board_id=?,
			filesystem_status=?, filesystem_error=?, others_can=?, others_fs_access=?, unix_group=?, environment_instance=?,
			updated_at=?
		WHERE id=?
	`), w.Name, w.Ref, w.RefType, w.Path, w.BaseRef, boolToInt(w.NewBranch), w.BoardID,
		w.FilesystemStatus, w.FilesystemError, w.OthersCan, w.OthersFSAccess, w.UnixGroup, w.EnvironmentInstance,
		w.UpdatedAt, w.ID)
	if err != nil {
		return store.Conflict("worktree", err)
	}
	return noRowsToNotFound(res, "worktree", w.ID)
}

// PatchFilesystemStatus performs a narrow, single-column update so that a
// concurrent Update of other Worktree fields is never lost (deep-merge
// patch discipline for filesystem_status transitions).
func (r *worktreeRepo) PatchFilesystemStatus(ctx context.Context, id string, status store.FilesystemStatus, fsErr string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE worktrees SET filesystem_status=?, filesystem_error=?, updated_at=? WHERE id=?
	`), status, fsErr, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "worktree", id)
}

func (r *worktreeRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM worktrees WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "worktree", id)
}

func (r *worktreeRepo) ListByRepo(ctx context.Context, repoID string) ([]*store.Worktree, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(worktreeSelect+` WHERE repo_id=? ORDER BY worktree_unique_id`), repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Worktree
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *worktreeRepo) ListStaleCreating(ctx context.Context, olderThanSeconds int) ([]*store.Worktree, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(worktreeSelect+` WHERE filesystem_status='creating' AND created_at < ?`), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Worktree
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type worktreeOwnerRepo struct{ s *Store }

func (r *worktreeOwnerRepo) Add(ctx context.Context, worktreeID, userID string) error {
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO worktree_owners (worktree_id, user_id, added_at) VALUES (?, ?, ?)
	`), worktreeID, userID, time.Now().UTC())
	if err != nil {
		return store.Conflict("worktree_owner", err)
	}
	return nil
}

func (r *worktreeOwnerRepo) Remove(ctx context.Context, worktreeID, userID string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		DELETE FROM worktree_owners WHERE worktree_id=? AND user_id=?
	`), worktreeID, userID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "worktree_owner", worktreeID+"/"+userID)
}

func (r *worktreeOwnerRepo) ListOwners(ctx context.Context, worktreeID string) ([]*store.User, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(
		userSelect+` WHERE id IN (SELECT user_id FROM worktree_owners WHERE worktree_id=?) ORDER BY created_at`,
	), worktreeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	ur := &userRepo{r.s}
	var out []*store.User
	for rows.Next() {
		u, err := ur.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *worktreeOwnerRepo) ListOwnedWorktrees(ctx context.Context, userID string) ([]*store.Worktree, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(
		worktreeSelect+` WHERE id IN (SELECT worktree_id FROM worktree_owners WHERE user_id=?) ORDER BY created_at`,
	), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	wr := &worktreeRepo{r.s}
	var out []*store.Worktree
	for rows.Next() {
		w, err := wr.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *worktreeOwnerRepo) IsOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	var count int
	err := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(
		`SELECT COUNT(*) FROM worktree_owners WHERE worktree_id=? AND user_id=?`,
	), worktreeID, userID).Scan(&count)
	return count > 0, err
}
