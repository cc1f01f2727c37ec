package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/nimbuschat/nimbus/internal/api"
	"github.com/nimbuschat/nimbus/internal/store"
)

// Middleware returns middleware that authenticates requests via a
// bearer access token and stores the user identity in the context.
// Requests without a valid token are rejected with 401.
func Middleware(tokens *TokenManager, repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				// SSE clients cannot set headers on EventSource, so
				// allow the token as a query parameter there.
				header = r.URL.Query().Get("token")
				if header != "" {
					header = "Bearer " + header
				}
			}
			if !strings.HasPrefix(header, "Bearer ") {
				api.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			userID, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "), TokenTypeAccess)
			if err != nil {
				api.Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			user, err := repo.GetUserByID(r.Context(), userID)
			if err != nil {
				slog.Error("Failed to load user for token", "error", err, "user_id", userID)
				api.Error(w, http.StatusInternalServerError, "failed to load user")
				return
			}
			if user == nil || !user.IsActive {
				api.Error(w, http.StatusUnauthorized, "account disabled or removed")
				return
			}

			ctx := WithIdentity(r.Context(), user.ID, user.RoleName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns middleware that rejects requests whose
// authenticated role does not grant the permission.
func RequirePermission(registry *PermissionRegistry, perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if !registry.HasPermission(role, perm) {
				slog.Warn("Permission denied",
					"user_id", UserIDFromContext(r.Context()),
					"role", role,
					"permission", string(perm))
				api.Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
