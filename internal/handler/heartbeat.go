package handler

import (
	"context"
	"net/http"

	appmw "github.com/Hezlepinc/lead-ingestor/internal/middleware"
)

// RegistryReader reads fleet-wide region heartbeats.
type RegistryReader interface {
	Get(ctx context.Context, slug string) (map[string]string, error)
}

// HeartbeatHandler handles GET /status/{region}/heartbeat.
type HeartbeatHandler struct {
	Registry RegistryReader
}

// Heartbeat returns the last heartbeat any process published for a
// region, 404 when it has expired.
func (h *HeartbeatHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	slug := regionParam(r)
	fields, err := h.Registry.Get(r.Context(), slug)
	if err != nil {
		appmw.RespondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if len(fields) == 0 {
		appmw.RespondError(w, r, http.StatusNotFound, "NOT_FOUND", "no heartbeat for region")
		return
	}
	fields["region"] = slug
	writeJSON(w, http.StatusOK, fields)
}
