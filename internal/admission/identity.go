// ABOUTME: Authenticated identity and context propagation for request handlers.
// ABOUTME: WithIdentity/FromContext carry the caller through the middleware chain.

package admission

import "context"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string // stable caller id: JWT sub or API key owner
	Method string // "jwt" or "api_key"
}

type identityKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity placed by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
