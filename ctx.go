package auth

import (
	"context"

	"github.com/goliatone/go-router"
)

// DefaultContextKey is the router locals key the identity is stored under.
const DefaultContextKey = "identity"

var identityCtxKey = &contextKey{"identity"}

type contextKey struct {
	name string
}

// WithIdentity sets the resolved identity in the given context
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

// IdentityFromContext finds the identity in the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityCtxKey).(Identity)
	if !ok || identity.IsZero() {
		return Identity{}, false
	}
	return identity, true
}

// GetRouterIdentity extracts the identity from the router locals
func GetRouterIdentity(ctx router.Context, key string) (Identity, bool) {
	if key == "" {
		key = DefaultContextKey
	}
	identity, ok := ctx.Locals(key).(Identity)
	if !ok || identity.IsZero() {
		return IdentityFromContext(ctx.Context())
	}
	return identity, true
}
