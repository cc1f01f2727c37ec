package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nimbuschat/nimbus/internal/agent"
	"github.com/nimbuschat/nimbus/internal/api"
	"github.com/nimbuschat/nimbus/internal/auth"
)

const maxChatBodySize = 256 << 10

// Handler serves the chat HTTP surface.
type Handler struct {
	service *Service
	limiter *api.RateLimiter
}

// NewHandler creates the chat HTTP handler.
func NewHandler(service *Service, limiter *api.RateLimiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// RegisterRoutes registers chat routes (requires auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/chat/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Put("/", h.handleUpdateSession)
			r.Delete("/", h.handleDeleteSession)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
		})
	})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	session, err := h.service.CreateSession(r.Context(), userID, req)
	if err != nil {
		slog.Error("Failed to create chat session", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	api.JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	limit, offset := pagination(r, 20)

	sessions, total, err := h.service.ListSessions(r.Context(), userID, includeArchived, limit, offset)
	if err != nil {
		slog.Error("Failed to list chat sessions", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	api.JSON(w, http.StatusOK, api.Paginated{Items: sessions, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	session, err := h.service.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		respondServiceError(w, err, userID, sessionID)
		return
	}
	api.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.service.UpdateSession(r.Context(), userID, sessionID, req)
	if err != nil {
		respondServiceError(w, err, userID, sessionID)
		return
	}
	api.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteSession(r.Context(), userID, sessionID); err != nil {
		respondServiceError(w, err, userID, sessionID)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 50)

	messages, total, err := h.service.ListMessages(r.Context(), userID, sessionID, limit, offset)
	if err != nil {
		respondServiceError(w, err, userID, sessionID)
		return
	}
	api.JSON(w, http.StatusOK, api.Paginated{Items: messages, Total: total, Limit: limit, Offset: offset})
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

// handleSendMessage runs one agent turn and streams its progress back
// as SSE events, finishing with a done event carrying the full result.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	if !h.limiter.Allow(strconv.FormatInt(userID, 10)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded, please slow down")
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		api.Error(w, http.StatusBadRequest, "content is required")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		api.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// ProcessMessage calls emit synchronously from this goroutine, so
	// writing to the response here is safe without locking.
	emit := func(ev agent.TurnEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal turn event", "error", err)
			return
		}
		if err := writeSSE(w, ev.Type, string(data)); err != nil {
			slog.Warn("failed to write SSE turn event", "error", err)
			return
		}
		flusher.Flush()
	}

	result, err := h.service.SendMessage(r.Context(), userID, sessionID, req.Agent, req.Content, emit)
	if err != nil {
		slog.Error("Message turn failed", "error", err, "user_id", userID, "session_id", sessionID)
		if writeErr := writeSSE(w, "error", fmt.Sprintf(`{"error":%q}`, turnErrorMessage(err))); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr)
		}
		flusher.Flush()
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("failed to marshal turn result", "error", err)
		return
	}
	if err := writeSSE(w, agent.EventDone, string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

func turnErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, ErrAgentNotFound):
		return "agent not found"
	case errors.Is(err, ErrEmptyMessage):
		return "message content is empty"
	default:
		return "failed to process message"
	}
}

func respondServiceError(w http.ResponseWriter, err error, userID, sessionID int64) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		api.Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrAgentNotFound):
		api.Error(w, http.StatusBadRequest, "agent not found")
	default:
		slog.Error("Chat request failed", "error", err, "user_id", userID, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		api.Error(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
