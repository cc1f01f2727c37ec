package agent

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nimbuschat/nimbus/internal/api"
	"github.com/nimbuschat/nimbus/internal/auth"
	"github.com/nimbuschat/nimbus/internal/store"
)

// ThinkingHandler exposes read access to recorded reasoning traces.
type ThinkingHandler struct {
	tracker  *Tracker
	repo     store.Repository
	registry *auth.PermissionRegistry
}

// NewThinkingHandler creates the thinking-trace HTTP handler.
func NewThinkingHandler(tracker *Tracker, repo store.Repository, registry *auth.PermissionRegistry) *ThinkingHandler {
	return &ThinkingHandler{tracker: tracker, repo: repo, registry: registry}
}

// RegisterRoutes registers thinking-trace routes (requires auth).
func (h *ThinkingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/thinking/sessions/{id}", func(r chi.Router) {
		r.Get("/steps", h.handleSteps)
		r.Get("/summary", h.handleSummary)
	})
}

// authorize loads the session and checks the requester owns it or has
// chat admin rights.
func (h *ThinkingHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := chi.URLParam(r, "id")
	session, err := h.repo.GetThinkingSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load thinking session", "error", err, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "failed to load session")
		return "", false
	}
	if session == nil {
		api.Error(w, http.StatusNotFound, "thinking session not found")
		return "", false
	}

	userID := auth.UserIDFromContext(r.Context())
	role := auth.RoleFromContext(r.Context())
	if session.UserID != userID && !h.registry.HasPermission(role, auth.PermChatAdmin) {
		api.Error(w, http.StatusForbidden, "not your session")
		return "", false
	}
	return sessionID, true
}

func (h *ThinkingHandler) handleSteps(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	includeBuffer := true
	if v := r.URL.Query().Get("include_buffer"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			includeBuffer = parsed
		}
	}

	steps, err := h.tracker.SessionSteps(r.Context(), sessionID, includeBuffer)
	if err != nil {
		slog.Error("Failed to list thinking steps", "error", err, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"steps":      steps,
	})
}

func (h *ThinkingHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	summary, err := h.tracker.SessionSummary(r.Context(), sessionID)
	if err != nil || summary == nil {
		slog.Error("Failed to build thinking summary", "error", err, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	api.JSON(w, http.StatusOK, summary)
}
