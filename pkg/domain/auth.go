package domain

import (
	"context"
	"slices"
)

// AuthContext is the authenticated execution context of one request. It is
// created by the Authenticator and owned by that request only.
type AuthContext struct {
	Actor      Reference
	Scopes     []string
	Repository Repository
}

// HasScope reports whether the context was granted the given scope.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

type authContextKey struct{}

// WithAuthContext returns a context carrying the auth context.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthContextFrom extracts the auth context placed by WithAuthContext.
func AuthContextFrom(ctx context.Context) (*AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return auth, ok && auth != nil
}
