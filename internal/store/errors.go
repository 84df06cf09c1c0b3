package store

import "github.com/agor-dev/agor/internal/common/apperror"

// NotFound builds a consistent apperror.NotFound for a (kind, id) lookup miss.
func NotFound(entity, id string) error {
	return apperror.New(apperror.NotFound, entity+" not found: "+id)
}

// Ambiguous builds an apperror.AmbiguousIDPrefix, listing up to three
// matches plus an ellipsis flag.
func Ambiguous(entity, prefix string, matches []string) error {
	truncated := matches
	more := false
	if len(truncated) > 3 {
		truncated = truncated[:3]
		more = true
	}
	return apperror.New(apperror.AmbiguousIDPrefix, entity+" prefix \""+prefix+"\" is ambiguous").
		WithDetails(map[string]any{"matches": truncated, "more": more})
}

// Conflict wraps a UNIQUE-constraint or optimistic-concurrency violation.
func Conflict(entity string, cause error) error {
	return apperror.Wrap(apperror.Conflict, entity+" conflict", cause)
}
