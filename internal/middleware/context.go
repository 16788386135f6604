// Package middleware provides the HTTP middleware chain used by the API.
package middleware

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	traceIDKey
)

// Principal identifies the caller of an authenticated request.
type Principal struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Method   string `json:"method"`
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// TraceID returns the request trace id.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
