package handler

import (
	"encoding/json"
	"net/http"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/go-chi/chi/v5"
)

// regionParam returns the region slug from the {region} route parameter or
// the region query parameter. Names and slugs are both accepted.
func regionParam(r *http.Request) string {
	v := chi.URLParam(r, "region")
	if v == "" {
		v = r.URL.Query().Get("region")
	}
	return model.Slug(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
