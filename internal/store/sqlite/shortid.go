package sqlite

import (
	"context"
	"fmt"

	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/store"
)

// resolveID resolves idOrShortID to a full entity ID within table, matching
// by full equality first, then by short-ID prefix. entity names the
// kind for error messages.
func (s *Store) resolveID(ctx context.Context, table, entity, idOrShortID string) (string, error) {
	if idutil.IsFullID(idOrShortID) {
		return idOrShortID, nil
	}

	like := dialectLike(s.driver)
	query := s.ro.Rebind(fmt.Sprintf(`SELECT id FROM %s WHERE id %s ?`, table, like))

	var ids []string
	if err := s.ro.SelectContext(ctx, &ids, query, idOrShortID+"%"); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", store.NotFound(entity, idOrShortID)
	case 1:
		return ids[0], nil
	default:
		return "", store.Ambiguous(entity, idOrShortID, ids)
	}
}

func dialectLike(driver string) string {
	if driver == "pgx" {
		return "ILIKE"
	}
	return "LIKE"
}
