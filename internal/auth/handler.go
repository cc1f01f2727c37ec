package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nimbuschat/nimbus/internal/api"
)

const maxAuthBodySize = 64 << 10 // 64KB

// Handler exposes authentication endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates the auth HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes registers endpoints that do not require a token.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/refresh", h.handleRefresh)
		r.Post("/logout", h.handleLogout)
	})
}

// RegisterProtectedRoutes registers endpoints that require a valid
// access token; the caller wraps them in the auth middleware.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Get("/me", h.handleMe)
		r.Put("/me", h.handleUpdateProfile)
		r.Put("/password", h.handleChangePassword)
		r.Post("/logout-all", h.handleLogoutAll)
		r.Get("/sessions", h.handleListSessions)
		r.Delete("/sessions/{id}", h.handleRevokeSession)
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		api.Error(w, http.StatusBadRequest, "username, email, and a password of at least 8 characters are required")
		return
	}

	user, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password, req.FullName)
	switch {
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrEmailTaken):
		api.Error(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("Registration failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	api.JSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceInfo string `json:"device_info"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, pair, err := h.svc.Login(r.Context(), req.Username, req.Password, LoginMeta{
		DeviceInfo: req.DeviceInfo,
		IPAddress:  IPFromRequest(r),
		UserAgent:  r.UserAgent(),
	})
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		api.Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		slog.Error("Login failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	api.JSON(w, http.StatusOK, map[string]interface{}{
		"user":   user,
		"tokens": pair,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, LoginMeta{
		IPAddress: IPFromRequest(r),
		UserAgent: r.UserAgent(),
	})
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		api.Error(w, http.StatusUnauthorized, "invalid refresh token")
		return
	case err != nil:
		slog.Error("Token refresh failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	api.JSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		api.Error(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	revoked, err := h.svc.LogoutAll(r.Context(), userID)
	if err != nil {
		slog.Error("Logout-all failed", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "logout failed")
		return
	}
	api.JSON(w, http.StatusOK, map[string]int64{"sessions_revoked": revoked})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.Me(r.Context(), UserIDFromContext(r.Context()))
	if err != nil || user == nil {
		api.Error(w, http.StatusNotFound, "user not found")
		return
	}
	api.JSON(w, http.StatusOK, user)
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.svc.UpdateProfile(r.Context(), UserIDFromContext(r.Context()), req)
	switch {
	case errors.Is(err, ErrUserNotFound):
		api.Error(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		slog.Error("Profile update failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "profile update failed")
		return
	}
	api.JSON(w, http.StatusOK, user)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		api.Error(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	err := h.svc.ChangePassword(r.Context(), UserIDFromContext(r.Context()), req.OldPassword, req.NewPassword)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		api.Error(w, http.StatusUnauthorized, "current password is incorrect")
		return
	case err != nil:
		slog.Error("Password change failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "password change failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.ListSessions(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	api.JSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := h.svc.RevokeSession(r.Context(), UserIDFromContext(r.Context()), sessionID); err != nil {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
