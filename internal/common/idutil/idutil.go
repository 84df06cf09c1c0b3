// Package idutil generates and resolves Agor entity identifiers: UUIDv7
// primary keys plus an 8-hex-character short-ID prefix scheme (P6/R3).
package idutil

import (
	"strings"

	"github.com/google/uuid"
)

// ShortIDLen is the number of leading hex characters of a UUID that form
// its short-ID prefix.
const ShortIDLen = 8

// New generates a time-ordered UUIDv7 entity ID as its canonical string
// form. UUIDv7 keeps IDs roughly sorted by creation time, which keeps
// SQLite/Postgres primary-key indexes append-friendly.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; fall back to
		// NewRandom rather than panic on ID generation.
		return uuid.NewString()
	}
	return id.String()
}

// ShortID returns the short-ID prefix of a full entity ID.
func ShortID(fullID string) string {
	compact := strings.ReplaceAll(fullID, "-", "")
	if len(compact) < ShortIDLen {
		return compact
	}
	return compact[:ShortIDLen]
}

// MatchesPrefix reports whether fullID's compact hex form starts with the
// given (case-insensitive) prefix, which may be any length from 1 up to a
// full ID.
func MatchesPrefix(fullID, prefix string) bool {
	compact := strings.ToLower(strings.ReplaceAll(fullID, "-", ""))
	prefix = strings.ToLower(strings.ReplaceAll(prefix, "-", ""))
	return strings.HasPrefix(compact, prefix)
}

// IsFullID reports whether s looks like a canonical UUID rather than a
// short-ID prefix.
func IsFullID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
