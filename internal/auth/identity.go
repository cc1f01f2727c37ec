package auth

import (
	"context"
	"net"
	"net/http"
)

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
)

// UserIDFromContext extracts the authenticated user ID from the request
// context. Returns 0 if the request is unauthenticated.
func UserIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(userIDKey).(int64); ok {
		return v
	}
	return 0
}

// RoleFromContext extracts the authenticated user's role name from the
// request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns a context carrying the user ID and role name.
func WithIdentity(ctx context.Context, userID int64, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// IPFromRequest returns a normalized remote IP for session tracking.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
