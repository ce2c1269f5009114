package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles GET /health.
type HealthHandler struct {
	Store Pinger
}

// Health returns service health status. The record store is the only
// hard dependency; it is pinged with a short deadline.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"app":    "claimer",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"app":    "claimer",
	})
}
