package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// Metrics records Prometheus metrics for each request. Paths are labelled
// by route pattern; requests that match no route share one label.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		metrics.RequestDurationSeconds.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
