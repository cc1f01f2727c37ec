package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/nimbuschat/nimbus/internal/auth"
)

// handleWS serves the same event stream as SSE over a WebSocket. Events
// are sent as JSON text frames. The read loop exists only to detect the
// client closing the socket.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID := parseSessionID(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("WebSocket close", "error", closeErr)
		}
	}()

	conn := h.service.Connect(userID, sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain incoming frames so we notice a client-side close.
	go func() {
		defer cancel()
		for {
			if _, _, readErr := ws.Read(ctx); readErr != nil {
				if websocket.CloseStatus(readErr) == -1 && ctx.Err() == nil {
					slog.Debug("WebSocket read failed", "error", readErr, "connection_id", conn.ID)
				}
				return
			}
		}
	}()

	for event, streamErr := range h.service.Events(ctx, conn.ID) {
		if streamErr != nil {
			slog.Error("WebSocket stream failed", "error", streamErr, "user_id", userID)
			return
		}
		data, marshalErr := json.Marshal(event)
		if marshalErr != nil {
			slog.Warn("failed to marshal stream event", "error", marshalErr)
			continue
		}
		if writeErr := ws.Write(ctx, websocket.MessageText, data); writeErr != nil {
			slog.Warn("failed to write WebSocket event", "error", writeErr, "connection_id", conn.ID)
			return
		}
	}
}
