package auth

import (
	"context"
	"net/http"
)

// Authenticator resolves the caller of one HTTP request. Implementations
// report ErrUnauthenticated when no usable credentials are present.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// Identity is the authenticated caller as the middleware resolved it.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Can reports whether the identity's roles reach the required level.
func (i Identity) Can(required string) bool {
	return HasAtLeast(i.Roles, required)
}

type identityKey struct{}

// ContextWithIdentity attaches the identity for handlers downstream of
// the auth middleware.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity the middleware attached. The
// second return is false on requests that never passed through it.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
