// Package auth carries the authenticated principal through request contexts.
// Token validation itself is an external capability; the gateway only consumes
// the principal it yields.
package auth

import "context"

// Principal is the authenticated caller. Token is the raw access token used
// as the authorization carrier for durable-store row scoping.
type Principal struct {
	UserID string
	Email  string
	Token  string
}

type principalKey struct{}

// ContextWithPrincipal returns a context carrying p.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal from ctx. ok is false on anonymous paths.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
