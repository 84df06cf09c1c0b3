package realtime

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agor-dev/agor/internal/common/apperror"
)

// MaxFindLimit bounds the $limit operator; a find query asking for more is
// a validation failure, not a silent clamp.
const MaxFindLimit = 10000

// DefaultFindLimit is applied when a find query carries no $limit.
const DefaultFindLimit = 100

// FindQuery is a validated find-verb query: the closed operator set
// ($limit, $skip, $sort, $select) plus equality filters coerced against a
// service's typed schema. Nothing reaches the repository layer that wasn't
// named in the schema.
type FindQuery struct {
	Limit   int
	Skip    int
	Sort    map[string]int // field -> +1/-1, insertion order not preserved
	Select  []string
	Filters map[string]any
}

// CoerceFunc converts one raw query string value into a typed filter value.
type CoerceFunc func(string) (any, error)

// CoerceString, CoerceInt, and CoerceBool are the schema building blocks
// every concrete service's Schema() supplies for its filterable fields.
func CoerceString(v string) (any, error) { return v, nil }

func CoerceInt(v string) (any, error) { return strconv.Atoi(v) }

func CoerceBool(v string) (any, error) { return strconv.ParseBool(v) }

// ValidateFindQuery rejects unknown keys outright (defense-in-depth against
// query injection) and coerces every recognized key against schema.
func ValidateFindQuery(raw map[string][]string, schema map[string]CoerceFunc) (FindQuery, error) {
	q := FindQuery{Limit: DefaultFindLimit, Sort: map[string]int{}, Filters: map[string]any{}}
	for key, values := range raw {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch key {
		case "$limit":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > MaxFindLimit {
				return FindQuery{}, apperror.New(apperror.ValidationFailed, "$limit must be an integer in [0, 10000]")
			}
			q.Limit = n
		case "$skip":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return FindQuery{}, apperror.New(apperror.ValidationFailed, "$skip must be a non-negative integer")
			}
			q.Skip = n
		case "$sort":
			for _, part := range strings.Split(v, ",") {
				kv := strings.SplitN(part, ":", 2)
				if len(kv) != 2 {
					return FindQuery{}, apperror.New(apperror.ValidationFailed, "$sort entries must be field:1 or field:-1")
				}
				dir, err := strconv.Atoi(kv[1])
				if err != nil || (dir != 1 && dir != -1) {
					return FindQuery{}, apperror.New(apperror.ValidationFailed, "$sort values must be 1 or -1")
				}
				q.Sort[kv[0]] = dir
			}
		case "$select":
			for _, f := range strings.Split(v, ",") {
				if f = strings.TrimSpace(f); f != "" {
					q.Select = append(q.Select, f)
				}
			}
		default:
			coerce, ok := schema[key]
			if !ok {
				return FindQuery{}, apperror.New(apperror.ValidationFailed, fmt.Sprintf("unknown query key %q", key))
			}
			coerced, err := coerce(v)
			if err != nil {
				return FindQuery{}, apperror.New(apperror.ValidationFailed, fmt.Sprintf("invalid value for %q: %v", key, err))
			}
			q.Filters[key] = coerced
		}
	}
	return q, nil
}

// Paginate sorts (stably, by the field names in q.Sort taken in alphabetical
// order, the first unequal field deciding), skips, and limits items in
// place. cmp returns a negative, zero or positive value as a's field value
// is less than, equal to or greater than b's for the named field; services
// only need to teach it their own field set.
func Paginate[T any](items []T, q FindQuery, cmp func(a, b T, field string) int) []T {
	if len(q.Sort) > 0 {
		fields := make([]string, 0, len(q.Sort))
		for f := range q.Sort {
			fields = append(fields, f)
		}
		sort.Strings(fields) // deterministic application order across multiple sort keys
		sort.SliceStable(items, func(i, j int) bool {
			for _, f := range fields {
				dir := q.Sort[f]
				c := cmp(items[i], items[j], f)
				if c == 0 {
					continue
				}
				if dir < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Skip >= len(items) {
		return items[:0]
	}
	rest := items[q.Skip:]
	limit := q.Limit
	if limit <= 0 || limit > len(rest) {
		limit = len(rest)
	}
	return rest[:limit]
}
