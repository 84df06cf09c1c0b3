package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

type boardRepo struct{ s *Store }

const boardSelect = `SELECT id, name, created_by, created_at, updated_at FROM boards`
const boardObjectSelect = `SELECT id, board_id, type, ref_id, x, y, width, height, created_at, updated_at FROM board_objects`
const boardCommentSelect = `SELECT id, board_object_id, author_id, text, created_at FROM board_comments`

func (r *boardRepo) scanBoard(row interface{ Scan(dest ...any) error }) (*store.Board, error) {
	b := &store.Board{}
	if err := row.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *boardRepo) scanObject(row interface{ Scan(dest ...any) error }) (*store.BoardObject, error) {
	o := &store.BoardObject{}
	if err := row.Scan(&o.ID, &o.BoardID, &o.Type, &o.RefID, &o.X, &o.Y, &o.Width, &o.Height, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *boardRepo) scanComment(row interface{ Scan(dest ...any) error }) (*store.BoardComment, error) {
	c := &store.BoardComment{}
	if err := row.Scan(&c.ID, &c.BoardObjectID, &c.AuthorID, &c.Text, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *boardRepo) CreateBoard(ctx context.Context, b *store.Board) error {
	if b.ID == "" {
		b.ID = idutil.New()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO boards (id, name, created_by, created_at, updated_at) VALUES (?,?,?,?,?)
	`), b.ID, b.Name, b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return store.Conflict("board", err)
	}
	return nil
}

func (r *boardRepo) GetBoard(ctx context.Context, idOrShortID string) (*store.Board, error) {
	id, err := r.s.resolveID(ctx, "boards", "board", idOrShortID)
	if err != nil {
		return nil, err
	}
	row := r.s.ro.QueryRowContext(ctx, r.s.ro.Rebind(boardSelect+` WHERE id=?`), id)
	b, err := r.scanBoard(row)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("board", idOrShortID)
	}
	return b, err
}

func (r *boardRepo) ListBoards(ctx context.Context) ([]*store.Board, error) {
	rows, err := r.s.ro.QueryContext(ctx, boardSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Board
	for rows.Next() {
		b, err := r.scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *boardRepo) DeleteBoard(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM boards WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "board", id)
}

func (r *boardRepo) CreateObject(ctx context.Context, o *store.BoardObject) error {
	if o.ID == "" {
		o.ID = idutil.New()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO board_objects (id, board_id, type, ref_id, x, y, width, height, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`), o.ID, o.BoardID, o.Type, o.RefID, o.X, o.Y, o.Width, o.Height, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return store.Conflict("board_object", err)
	}
	return nil
}

func (r *boardRepo) UpdateObject(ctx context.Context, o *store.BoardObject) error {
	o.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		UPDATE board_objects SET x=?, y=?, width=?, height=?, updated_at=? WHERE id=?
	`), o.X, o.Y, o.Width, o.Height, o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "board_object", o.ID)
}

func (r *boardRepo) DeleteObject(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`DELETE FROM board_objects WHERE id=?`), id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res, "board_object", id)
}

func (r *boardRepo) ListObjects(ctx context.Context, boardID string) ([]*store.BoardObject, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(boardObjectSelect+` WHERE board_id=? ORDER BY created_at`), boardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.BoardObject
	for rows.Next() {
		o, err := r.scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *boardRepo) CreateComment(ctx context.Context, c *store.BoardComment) error {
	if c.ID == "" {
		c.ID = idutil.New()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(`
		INSERT INTO board_comments (id, board_object_id, author_id, text, created_at) VALUES (?,?,?,?,?)
	`), c.ID, c.BoardObjectID, c.AuthorID, c.Text, c.CreatedAt)
	if err != nil {
		return store.Conflict("board_comment", err)
	}
	return nil
}

func (r *boardRepo) ListComments(ctx context.Context, boardObjectID string) ([]*store.BoardComment, error) {
	rows, err := r.s.ro.QueryContext(ctx, r.s.ro.Rebind(boardCommentSelect+` WHERE board_object_id=? ORDER BY created_at`), boardObjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.BoardComment
	for rows.Next() {
		c, err := r.scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
