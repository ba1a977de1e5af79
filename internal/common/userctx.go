package common

import "context"

// OwnerContext holds the authenticated identity extracted from a request's
// bearer JWT by the auth middleware. Every Job Store and Device Token
// Registry operation is scoped to OwnerID (spec §3, §7 ownership checks).
type OwnerContext struct {
	OwnerID string
}

type contextKey int

const ownerContextKey contextKey = iota

// WithOwnerContext stores an OwnerContext in the request context.
func WithOwnerContext(ctx context.Context, oc *OwnerContext) context.Context {
	return context.WithValue(ctx, ownerContextKey, oc)
}

// OwnerContextFromContext retrieves the OwnerContext from context, or nil if absent.
func OwnerContextFromContext(ctx context.Context) *OwnerContext {
	oc, _ := ctx.Value(ownerContextKey).(*OwnerContext)
	return oc
}

// ResolveOwnerID returns the authenticated owner ID from context, or "" when
// no owner context is present. Handlers treat "" as unauthenticated.
func ResolveOwnerID(ctx context.Context) string {
	if oc := OwnerContextFromContext(ctx); oc != nil {
		return oc.OwnerID
	}
	return ""
}
