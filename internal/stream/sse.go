package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nimbuschat/nimbus/internal/api"
	"github.com/nimbuschat/nimbus/internal/auth"
	"github.com/nimbuschat/nimbus/internal/config"
)

// Handler serves the streaming HTTP surface: SSE, WebSocket, stats and
// admin broadcast.
type Handler struct {
	service  *Service
	cfg      config.StreamConfig
	registry *auth.PermissionRegistry
}

// NewHandler creates the streaming HTTP handler.
func NewHandler(service *Service, cfg config.StreamConfig, registry *auth.PermissionRegistry) *Handler {
	return &Handler{service: service, cfg: cfg, registry: registry}
}

// RegisterRoutes registers streaming routes (requires auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/stream", func(r chi.Router) {
		r.Get("/sse", h.handleSSE)
		r.Get("/ws", h.handleWS)
		r.Get("/stats", h.handleStats)
		r.With(auth.RequirePermission(h.registry, auth.PermSystemAdmin)).
			Post("/broadcast", h.handleBroadcast)
	})
}

// handleSSE opens a server-sent events stream for the authenticated
// user. An optional session_id query parameter scopes the stream to one
// chat session.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	sessionID := parseSessionID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Tell EventSource how long to wait before reconnecting.
	fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())
	flusher.Flush()

	conn := h.service.Connect(userID, sessionID)

	for event, err := range h.service.Events(r.Context(), conn.ID) {
		if err != nil {
			slog.Error("SSE stream failed", "error", err, "user_id", userID)
			return
		}
		if writeErr := writeSSEEvent(w, event); writeErr != nil {
			slog.Warn("failed to write SSE event", "error", writeErr, "connection_id", conn.ID)
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.service.Stats())
}

type broadcastRequest struct {
	UserID    int64          `json:"user_id,omitempty"`
	SessionID int64          `json:"session_id,omitempty"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleBroadcast pushes an event to all connections of a user or a
// chat session. Admin only.
func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		api.Error(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.UserID == 0 && req.SessionID == 0 {
		api.Error(w, http.StatusBadRequest, "user_id or session_id is required")
		return
	}

	var delivered int
	if req.SessionID != 0 {
		delivered = h.service.BroadcastToSession(req.SessionID, req.EventType, req.Data)
	} else {
		delivered = h.service.BroadcastToUser(req.UserID, req.EventType, req.Data)
	}
	api.JSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func parseSessionID(r *http.Request) int64 {
	raw := r.URL.Query().Get("session_id")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// writeSSEEvent serializes one event onto the wire. The event id line
// carries the per-connection sequence so Last-Event-ID semantics work.
func writeSSEEvent(w io.Writer, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
	return err
}
