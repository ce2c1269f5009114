package server

import (
	"github.com/Hezlepinc/lead-ingestor/internal/handler"
	"go.uber.org/zap"
)

// Deps holds server dependencies.
type Deps struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Heartbeat *handler.HeartbeatHandler
	Token     *handler.TokenHandler
}

// NewDeps wires the handlers. registry may be nil when redis is not
// configured; the heartbeat route is then not mounted.
func NewDeps(store handler.Pinger, status handler.StatusSource, registry handler.RegistryReader, tokens handler.TokenSource, log *zap.Logger) *Deps {
	d := &Deps{
		Health: &handler.HealthHandler{Store: store},
		Status: &handler.StatusHandler{Source: status},
		Token:  &handler.TokenHandler{Tokens: tokens, Log: log},
	}
	if registry != nil {
		d.Heartbeat = &handler.HeartbeatHandler{Registry: registry}
	}
	return d
}
