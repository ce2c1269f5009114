// Package store is the durable record store: opportunity detections,
// claim attempts, lock records and the per-region auth mirror. Every write
// is an idempotent upsert or an atomic conditional update.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/pkg/db"
	"go.uber.org/zap"
)

// ErrNotFound is returned by getters when no record exists.
var ErrNotFound = errors.New("store: not found")

// maxBodySnippet bounds the response body kept per claim attempt.
const maxBodySnippet = 2048

// Store persists records keyed by region.
type Store interface {
	// UpsertOpportunity records a sighting. It returns true when the
	// record was created by this call.
	UpsertOpportunity(ctx context.Context, d model.Detection) (bool, error)
	// RecordClaimAttempt upserts the claim attempt record, adding
	// o.Posts to its attempt counter.
	RecordClaimAttempt(ctx context.Context, o model.ClaimOutcome) error
	// AcquireLock writes the lock for key if it is absent or expired and
	// reports whether this call took it.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	UpsertAuth(ctx context.Context, a model.Auth) error
	GetAuth(ctx context.Context, region string) (model.Auth, error)
	GetOpportunity(ctx context.Context, region, opportunityID string) (model.Opportunity, error)
	GetClaimAttempt(ctx context.Context, region, opportunityID string) (model.ClaimAttempt, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the store named by url and prepares its schema.
// Supported schemes: postgres://, postgresql://, mongodb://,
// mongodb+srv://, sqlite://<path>.
func Open(ctx context.Context, url string, log *zap.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		pool, err := db.New(ctx, url)
		if err != nil {
			return nil, err
		}
		s := NewPostgres(pool.Pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store opened", zap.String("backend", "postgres"))
		return s, nil

	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		m, err := db.NewMongo(ctx, url)
		if err != nil {
			return nil, err
		}
		s := NewMongo(m)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = m.Close()
			return nil, err
		}
		log.Info("store opened", zap.String("backend", "mongo"), zap.String("database", m.Database.Name()))
		return s, nil

	case strings.HasPrefix(url, "sqlite://"):
		sq, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: strings.TrimPrefix(url, "sqlite://")})
		if err != nil {
			return nil, err
		}
		s := NewSQLite(sq.DB)
		if err := s.Migrate(ctx); err != nil {
			_ = sq.Close()
			return nil, err
		}
		log.Info("store opened", zap.String("backend", "sqlite"))
		return s, nil
	}
	return nil, fmt.Errorf("store: unsupported url scheme in %q", redact(url))
}

func snippet(body string) string {
	if len(body) <= maxBodySnippet {
		return body
	}
	return body[:maxBodySnippet]
}

func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "…"
	}
	return "…"
}
