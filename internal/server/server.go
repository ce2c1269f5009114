package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/config"
	appmw "github.com/Hezlepinc/lead-ingestor/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server runs the token service, health, status and metrics endpoints.
type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	router chi.Router
	http   *http.Server
}

// New creates a new server. /token is mounted only when a shared secret
// is configured.
func New(cfg *config.Config, log *zap.Logger, deps *Deps) *Server {
	r := chi.NewRouter()

	r.Use(appmw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(appmw.Metrics)
	r.Use(appmw.Logging(log))

	r.Get("/health", deps.Health.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", deps.Status.Status)
	if deps.Heartbeat != nil {
		r.Get("/status/{region}/heartbeat", deps.Heartbeat.Heartbeat)
	}

	if cfg.TokenSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(appmw.SharedSecret(cfg.TokenSecret))
			r.Get("/token", deps.Token.Token)
		})
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	return &Server{
		cfg:    cfg,
		log:    log,
		router: r,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.http.Addr), zap.Bool("token_service", s.cfg.TokenSecret != ""))
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
