// ABOUTME: Ambient tenant id propagation through context.Context
// ABOUTME: Set by auth middleware, read by every core operation

// Package tenant carries the active tenant id as ambient request context.
// The core treats the tenant as read-only context resolved by the caller;
// it never manages tenants itself.
package tenant

import "context"

type contextKey struct{}

// DefaultTenant is used when authentication is disabled (single-tenant dev mode).
const DefaultTenant = "default"

// WithTenant returns a context carrying the given tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext extracts the tenant id from the context.
// Returns DefaultTenant if none was set.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultTenant
}
