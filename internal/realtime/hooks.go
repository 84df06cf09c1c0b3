package realtime

import (
	"context"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/store"
)

// Verb is one of the five service operations a Service may implement.
type Verb string

const (
	VerbFind   Verb = "find"
	VerbGet    Verb = "get"
	VerbCreate Verb = "create"
	VerbPatch  Verb = "patch"
	VerbRemove Verb = "remove"
)

// HookContext is threaded through a call's before/after/error phases. Hooks
// read Params/Data for validation/authorization and may replace Result
// in an after hook (e.g. to redact fields before broadcast).
type HookContext struct {
	Service string
	Verb    Verb
	Params  Params
	Data    []byte
	Result  any
	Err     error
}

// HookFunc is one ordered pipeline stage. Returning a non-nil error
// short-circuits the remaining before-hooks (and the service call itself);
// after-hook errors are logged but do not unwind an already-committed call.
type HookFunc func(ctx context.Context, hc *HookContext) error

// HookSet is the ordered vector of typed function values the framework
// applies around one service's calls — modeled as data, not inheritance,
// per the cyclic-service-reference design note.
type HookSet struct {
	Before []HookFunc
	After  []HookFunc
	Error  []HookFunc
}

// RequireAuth is a before-hook rejecting calls with no verified caller.
func RequireAuth() HookFunc {
	return func(ctx context.Context, hc *HookContext) error {
		if hc.Params.Claims == nil {
			return apperror.New(apperror.NotAuthenticated, "authentication required")
		}
		return nil
	}
}

// RequireRole is a before-hook admitting only the named roles.
func RequireRole(roles ...store.UserRole) HookFunc {
	return func(ctx context.Context, hc *HookContext) error {
		if hc.Params.Claims == nil {
			return apperror.New(apperror.NotAuthenticated, "authentication required")
		}
		for _, r := range roles {
			if hc.Params.Claims.Role == r {
				return nil
			}
		}
		return apperror.New(apperror.Forbidden, "insufficient role")
	}
}

// ClaimsOf is a convenience accessor hooks and services use interchangeably.
func ClaimsOf(p Params) *auth.Claims { return p.Claims }
