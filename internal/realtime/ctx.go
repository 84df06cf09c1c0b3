package realtime

import (
	"context"

	"github.com/agor-dev/agor/internal/auth"
)

// claimsCtxKey is distinct from httpmw's gin-context claims key: WS
// dispatch runs over a plain context.Context, not a *gin.Context, so it
// needs its own carrier for the same *auth.Claims value.
type claimsCtxKey struct{}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, claims)
}

// ClaimsFromContext retrieves the claims a WS client's connection was
// authenticated with, set once at upgrade time.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsCtxKey{}).(*auth.Claims)
	return claims, ok && claims != nil
}
