// ABOUTME: Authenticated principal carried through server request contexts
// ABOUTME: Provides WithPrincipal/PrincipalFrom for websocket and HTTP handlers

package auth

import (
	"context"
)

// principalKey is the key type for storing the principal ID in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context carrying the authenticated principal ID.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFrom returns the principal ID from ctx, or "" if absent.
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}
