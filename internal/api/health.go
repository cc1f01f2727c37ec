package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nimbuschat/nimbus/internal/store"
)

// HealthHandler reports service and database health.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a health handler backed by the repository.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterRoutes registers health endpoints.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := http.StatusOK
	if err := h.repo.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]string{
		"status":   "ok",
		"database": dbStatus,
	})
}
