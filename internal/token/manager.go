package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/metrics"
	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// badHold is how long a token rejected with 401 is withheld while the
	// refresher has not produced a different one.
	badHold = time.Minute

	minRefreshDelay = time.Minute
	unknownExpiry   = 10 * time.Minute
	refreshTimeout  = 2 * time.Minute
)

// AuthStore is the durable mirror of region tokens.
type AuthStore interface {
	GetAuth(ctx context.Context, region string) (model.Auth, error)
	UpsertAuth(ctx context.Context, a model.Auth) error
}

// Provider is what outbound callers need: the freshest token for a region
// and a way to report it as rejected.
type Provider interface {
	Current(ctx context.Context, region string) (Credentials, error)
	MarkBad(ctx context.Context, region string)
}

type badToken struct {
	jwt string
	at  time.Time
}

// Manager caches credentials per region slug and drives refreshes.
type Manager struct {
	files     *FileSource
	store     AuthStore
	refresher Refresher
	log       *zap.Logger
	now       func() time.Time
	// recheck is how often a token without a decodable expiry is re-read.
	recheck   time.Duration

	mu       sync.Mutex
	cache    map[string]Credentials
	mirrored map[string]string
	bad      map[string]badToken

	group singleflight.Group
}

// NewManager creates a manager. store may be nil.
func NewManager(files *FileSource, store AuthStore, refresher Refresher, log *zap.Logger) *Manager {
	if refresher == nil {
		refresher = NopRefresher{Log: log}
	}
	return &Manager{
		files:     files,
		store:     store,
		refresher: refresher,
		log:       log,
		now:       time.Now,
		recheck:   unknownExpiry,
		cache:     make(map[string]Credentials),
		mirrored:  make(map[string]string),
		bad:       make(map[string]badToken),
	}
}

// Current returns cached credentials, reloading when the cache is empty
// or the token is past its decoded expiry.
func (m *Manager) Current(ctx context.Context, region string) (Credentials, error) {
	m.mu.Lock()
	c, ok := m.cache[region]
	m.mu.Unlock()
	if ok && !c.Expired(m.now()) {
		return c, nil
	}
	return m.load(ctx, region)
}

func (m *Manager) load(ctx context.Context, region string) (Credentials, error) {
	now := m.now()
	c, err := m.files.Load(region)
	if err == nil {
		err = m.usable(region, c, now)
	}
	if err != nil && m.store != nil {
		if sc, serr := m.fromStore(ctx, region); serr == nil && m.usable(region, sc, now) == nil {
			c, err = sc, nil
		}
	}
	if err != nil {
		return Credentials{}, err
	}

	c.LoadedAt = now
	m.mu.Lock()
	m.cache[region] = c
	mirror := m.store != nil && c.Source != "store" && m.mirrored[region] != c.JWT
	if mirror {
		m.mirrored[region] = c.JWT
	}
	m.mu.Unlock()

	if mirror {
		m.log.Info("token loaded",
			zap.String("region", region),
			zap.String("source", c.Source),
			zap.Time("expires_at", c.ExpiresAt),
		)
		err := m.store.UpsertAuth(ctx, model.Auth{
			Region:    region,
			JWT:       c.JWT,
			XSRF:      c.XSRF,
			ExpiresAt: c.ExpiresAt,
			Source:    c.Source,
			UpdatedAt: now,
		})
		if err != nil {
			m.log.Error("auth mirror failed", zap.String("region", region), zap.Error(err))
		}
	}
	return c, nil
}

func (m *Manager) usable(region string, c Credentials, now time.Time) error {
	if c.Expired(now) {
		return fmt.Errorf("%w: %s token from %s expired at %s", ErrNoCredentials, region, c.Source, c.ExpiresAt.Format(time.RFC3339))
	}
	m.mu.Lock()
	b, ok := m.bad[region]
	m.mu.Unlock()
	if ok && b.jwt == c.JWT && now.Sub(b.at) < badHold {
		return fmt.Errorf("%w: %s token rejected upstream, awaiting refresh", ErrNoCredentials, region)
	}
	return nil
}

func (m *Manager) fromStore(ctx context.Context, region string) (Credentials, error) {
	a, err := m.store.GetAuth(ctx, region)
	if err != nil {
		return Credentials{}, err
	}
	if a.JWT == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials{JWT: a.JWT, XSRF: a.XSRF, ExpiresAt: a.ExpiresAt, Source: "store"}, nil
}

// MarkBad drops the cached token for region, withholds it until a
// different one appears or badHold passes, and triggers a refresh in the
// background. Concurrent calls share one refresh.
func (m *Manager) MarkBad(ctx context.Context, region string) {
	m.mu.Lock()
	if c, ok := m.cache[region]; ok {
		m.bad[region] = badToken{jwt: c.JWT, at: m.now()}
		delete(m.cache, region)
	}
	m.mu.Unlock()

	metrics.TokenRefreshesTotal.WithLabelValues(region, "reactive").Inc()
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if err := m.Refresh(rctx, region); err != nil {
			m.log.Warn("token refresh failed", zap.String("region", region), zap.Error(err))
		}
	}()
}

// Refresh runs the refresher once per region at a time and drops the cache
// so the next Current re-reads the artifacts.
func (m *Manager) Refresh(ctx context.Context, region string) error {
	_, err, _ := m.group.Do(region, func() (any, error) {
		err := m.refresher.Refresh(ctx, region)
		m.mu.Lock()
		delete(m.cache, region)
		m.mu.Unlock()
		return nil, err
	})
	return err
}

// Schedule refreshes region's token lead before each decoded expiry until
// ctx is done. With no decodable expiry it drops the cached token
// periodically so rewritten artifacts and tokens mirrored by other
// processes are picked up before upstream rejects the old one.
func (m *Manager) Schedule(ctx context.Context, region string, lead time.Duration) {
	log := m.log.With(zap.String("region", region))
	for {
		delay := m.recheck
		c, err := m.Current(ctx, region)
		switch {
		case err != nil:
			if !errors.Is(err, ErrNoCredentials) {
				log.Warn("token schedule: load failed", zap.Error(err))
			}
		case c.ExpiresAt.IsZero():
		default:
			delay = c.ExpiresAt.Add(-lead).Sub(m.now())
			if delay < minRefreshDelay {
				delay = minRefreshDelay
			}
			log.Info("token refresh scheduled",
				zap.Time("valid_until", c.ExpiresAt),
				zap.Duration("in", delay),
			)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		switch {
		case err != nil:
		case c.ExpiresAt.IsZero():
			m.mu.Lock()
			if cur, ok := m.cache[region]; ok && cur.JWT == c.JWT {
				delete(m.cache, region)
			}
			m.mu.Unlock()
		default:
			metrics.TokenRefreshesTotal.WithLabelValues(region, "proactive").Inc()
			if err := m.Refresh(ctx, region); err != nil {
				log.Warn("proactive token refresh failed", zap.Error(err))
			}
		}
	}
}
