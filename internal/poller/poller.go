// Package poller runs the per-region feed loop: fetch the pending listing,
// order it newest first and hand every item to the claim pipeline.
package poller

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/metrics"
	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"go.uber.org/zap"
)

const (
	lateSighting    = 5 * time.Second
	maxFetchTimeout = 1400 * time.Millisecond
)

// Feed fetches the pending listing.
type Feed interface {
	Pending(ctx context.Context, apiRoot string, headers http.Header, pageSize int) (portal.Listing, error)
}

// Offerer consumes sightings.
type Offerer interface {
	Offer(ctx context.Context, d model.Detection) bool
}

// Config tunes a poller.
type Config struct {
	Interval time.Duration
	Jitter   time.Duration
	PageSize int
	// NoCredentialsBackoff is the pause after a tick finds no usable token.
	NoCredentialsBackoff time.Duration
}

// Status is the outcome of the latest tick.
type Status struct {
	At     time.Time
	Result string
	Items  int
}

// Poller polls one region.
type Poller struct {
	region model.Region
	cfg    Config
	feed   Feed
	tokens token.Provider
	pipe   Offerer
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last Status
}

// New creates a poller.
func New(region model.Region, cfg Config, feed Feed, tokens token.Provider, pipe Offerer, log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.NoCredentialsBackoff <= 0 {
		cfg.NoCredentialsBackoff = 30 * time.Second
	}
	return &Poller{
		region: region,
		cfg:    cfg,
		feed:   feed,
		tokens: tokens,
		pipe:   pipe,
		log:    log.With(zap.String("region", region.Slug)),
		now:    time.Now,
	}
}

// Run ticks until ctx is done. The first tick fires after a random
// fraction of the jitter bound.
func (p *Poller) Run(ctx context.Context) error {
	delay := p.jitter()
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = p.cfg.Interval + p.jitter() + p.Tick(ctx)
	}
}

func (p *Poller) jitter() time.Duration {
	if p.cfg.Jitter <= 0 {
		return 0
	}
	return rand.N(p.cfg.Jitter)
}

// fetchTimeout keeps every fetch strictly inside the poll interval.
func (p *Poller) fetchTimeout() time.Duration {
	d := p.cfg.Interval - 50*time.Millisecond
	if d > maxFetchTimeout {
		d = maxFetchTimeout
	}
	if d <= 0 {
		d = p.cfg.Interval / 2
	}
	return d
}

// Tick runs one poll and returns any extra delay before the next one.
func (p *Poller) Tick(ctx context.Context) time.Duration {
	start := p.now()
	defer func() {
		metrics.PollDurationSeconds.WithLabelValues(p.region.Slug).Observe(p.now().Sub(start).Seconds())
	}()

	creds, err := p.tokens.Current(ctx, p.region.Slug)
	if err != nil {
		p.finish(start, "no_credentials", 0)
		p.log.Warn("poll skipped, no credentials", zap.Duration("retry_in", p.cfg.NoCredentialsBackoff), zap.Error(err))
		return p.cfg.NoCredentialsBackoff
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout())
	listing, err := p.feed.Pending(fetchCtx, p.region.APIRoot, creds.Headers(), p.cfg.PageSize)
	cancel()
	switch {
	case errors.Is(err, portal.ErrUnauthorized):
		p.finish(start, "unauthorized", 0)
		p.log.Warn("poll unauthorized, refreshing token", zap.String("source", creds.Source))
		p.tokens.MarkBad(ctx, p.region.Slug)
		return 0
	case err != nil:
		p.finish(start, "error", 0)
		if ctx.Err() == nil {
			p.log.Warn("poll failed", zap.Error(err))
		}
		return 0
	}
	if listing.Skipped > 0 {
		p.log.Warn("malformed listing items skipped", zap.Int("skipped", listing.Skipped))
	}

	items := listing.Items
	portal.SortNewestFirst(items)
	seenAt := p.now()
	for _, it := range items {
		d := model.Detection{
			Region:        p.region.Slug,
			OpportunityID: it.OpportunityID,
			Status:        it.Status,
			Via:           model.ViaPoll,
			RawPayload:    it.Raw,
			CreatedAt:     it.CreatedAt,
			SeenAt:        seenAt,
		}
		if p.pipe.Offer(ctx, d) && !it.CreatedAt.IsZero() {
			if age := seenAt.Sub(it.CreatedAt); age > lateSighting {
				p.log.Info("first seen late", zap.String("opportunity_id", it.OpportunityID), zap.Duration("age", age))
			}
		}
	}
	p.finish(start, "ok", len(items))

	if took := p.now().Sub(start); took > p.cfg.Interval {
		p.log.Warn("poll overran interval", zap.Duration("took", took), zap.Duration("interval", p.cfg.Interval))
	}
	return 0
}

func (p *Poller) finish(at time.Time, result string, items int) {
	metrics.PollsTotal.WithLabelValues(p.region.Slug, result).Inc()
	p.mu.Lock()
	p.last = Status{At: at, Result: result, Items: items}
	p.mu.Unlock()
}

// Last returns the outcome of the latest tick.
func (p *Poller) Last() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
