package handler

import (
	"net/http"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
)

// StatusSource snapshots region workers.
type StatusSource interface {
	Status() []model.RegionStatus
}

// StatusHandler handles GET /status.
type StatusHandler struct {
	Source StatusSource
}

type statusResponse struct {
	At      time.Time            `json:"at"`
	Regions []model.RegionStatus `json:"regions"`
}

// Status lists every region worker of this process.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{At: time.Now().UTC(), Regions: h.Source.Status()})
}
