package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/lock"
	"github.com/Hezlepinc/lead-ingestor/internal/metrics"
	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/notify"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"github.com/Hezlepinc/lead-ingestor/internal/seen"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const persistTimeout = 5 * time.Second

// Recorder is the part of the record store the pipeline writes to.
type Recorder interface {
	UpsertOpportunity(ctx context.Context, d model.Detection) (bool, error)
	RecordClaimAttempt(ctx context.Context, o model.ClaimOutcome) error
}

// Claimer issues the claim POST.
type Claimer interface {
	Claim(ctx context.Context, apiRoot string, state *portal.RegionState, opportunityID string, headers http.Header) (portal.Result, error)
}

// PipelineConfig tunes one region's pipeline.
type PipelineConfig struct {
	AutoClaim   bool
	ClaimJitter time.Duration
	LockTTL     time.Duration
	Sentinels   []string
	ClaimRate   float64
	ClaimBurst  int
	SeenTTL     time.Duration
	SeenMax     int
}

// Pipeline is the single consumer both producers feed: Seen-Set gate,
// detection record, lock, claim, claim record. One exists per region.
type Pipeline struct {
	region  model.Region
	cfg     PipelineConfig
	seen    *seen.Set
	locker  lock.Locker
	tokens  token.Provider
	claimer Claimer
	store   Recorder
	sink    notify.Sink
	state   *portal.RegionState
	limiter *rate.Limiter
	log     *zap.Logger

	wg       sync.WaitGroup
	inflight atomic.Int64

	mu        sync.Mutex
	lastClaim model.ClaimSummary
}

// NewPipeline creates the pipeline for region. sink may be nil.
func NewPipeline(
	region model.Region,
	cfg PipelineConfig,
	locker lock.Locker,
	tokens token.Provider,
	claimer Claimer,
	store Recorder,
	sink notify.Sink,
	log *zap.Logger,
) *Pipeline {
	if sink == nil {
		sink = notify.Nop{}
	}
	if cfg.ClaimRate <= 0 {
		cfg.ClaimRate = 10
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = 5
	}
	return &Pipeline{
		region:  region,
		cfg:     cfg,
		seen:    seen.New(cfg.SeenTTL, cfg.SeenMax),
		locker:  locker,
		tokens:  tokens,
		claimer: claimer,
		store:   store,
		sink:    sink,
		state:   &portal.RegionState{},
		limiter: rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.ClaimBurst),
		log:     log.With(zap.String("region", region.Slug)),
	}
}

// Region returns the region this pipeline serves.
func (p *Pipeline) Region() model.Region { return p.region }

// State returns the region's claim state.
func (p *Pipeline) State() *portal.RegionState { return p.state }

// Offer records every sighting and returns true when it passed the
// Seen-Set gate as a claim candidate. The gate is taken synchronously, so
// a later Offer of the same id (from either producer) only refreshes the
// record, even while the first claim is still in flight. Persistence and
// the claim run in the background; Offer never blocks on the network.
func (p *Pipeline) Offer(ctx context.Context, d model.Detection) bool {
	d.Region = p.region.Slug
	if d.SeenAt.IsZero() {
		d.SeenAt = time.Now()
	}
	p.goRecord(ctx, d)

	if !model.IsUnclaimed(d.Status, p.cfg.Sentinels) {
		return false
	}
	if !p.seen.TryAdd(d.OpportunityID) {
		return false
	}
	if !p.cfg.AutoClaim {
		return true
	}

	p.wg.Add(1)
	p.inflight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Add(-1)
		defer p.recoverPanic(d.OpportunityID)
		p.claim(ctx, d)
	}()
	return true
}

func (p *Pipeline) goRecord(ctx context.Context, d model.Detection) {
	metrics.DetectionsTotal.WithLabelValues(p.region.Slug, string(d.Via)).Inc()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.recoverPanic(d.OpportunityID)
		p.record(ctx, d)
	}()
}

func (p *Pipeline) record(ctx context.Context, d model.Detection) {
	ctx, cancel := persistContext(ctx)
	defer cancel()

	inserted, err := p.store.UpsertOpportunity(ctx, d)
	if err != nil {
		p.log.Error("record detection failed", zap.String("opportunity_id", d.OpportunityID), zap.Error(err))
		return
	}
	if !inserted {
		p.log.Debug("opportunity seen again",
			zap.String("opportunity_id", d.OpportunityID),
			zap.String("via", string(d.Via)),
			zap.String("status", d.Status),
		)
		return
	}
	p.log.Info("opportunity detected",
		zap.String("opportunity_id", d.OpportunityID),
		zap.String("via", string(d.Via)),
		zap.String("status", d.Status),
	)
	p.sink.Detected(ctx, d)
}

func (p *Pipeline) claim(ctx context.Context, d model.Detection) {
	log := p.log.With(zap.String("opportunity_id", d.OpportunityID))

	if p.cfg.ClaimJitter > 0 {
		if !sleep(ctx, rand.N(p.cfg.ClaimJitter)) {
			p.seen.Remove(d.OpportunityID)
			return
		}
	}

	// Skips before the lock leave the id eligible for the next cycle.
	if until := p.state.BackoffUntil(); time.Now().Before(until) {
		metrics.ClaimsTotal.WithLabelValues(p.region.Slug, "backoff").Inc()
		log.Info("claim suppressed, region in backoff", zap.Time("until", until))
		p.seen.Remove(d.OpportunityID)
		return
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.seen.Remove(d.OpportunityID)
		return
	}
	creds, err := p.tokens.Current(ctx, p.region.Slug)
	if err != nil {
		log.Warn("claim skipped, no credentials", zap.Error(err))
		p.seen.Remove(d.OpportunityID)
		return
	}

	ok, err := p.locker.Acquire(ctx, model.LockKey(p.region.Slug, d.OpportunityID), p.cfg.LockTTL)
	if err != nil {
		log.Error("lock acquire failed", zap.String("backend", p.locker.Backend()), zap.Error(err))
		p.seen.Remove(d.OpportunityID)
		return
	}
	if !ok {
		metrics.LockSkipsTotal.WithLabelValues(p.region.Slug).Inc()
		log.Info("claim skipped, lock held elsewhere")
		return
	}

	res, err := p.claimer.Claim(ctx, p.region.APIRoot, p.state, d.OpportunityID, creds.Headers())
	if errors.Is(err, portal.ErrBackoff) || errors.Is(err, portal.ErrNoAuth) {
		metrics.ClaimsTotal.WithLabelValues(p.region.Slug, "backoff").Inc()
		log.Warn("claim not sent after lock", zap.Error(err))
		return
	}

	outcome := model.ClaimOutcome{
		Region:        p.region.Slug,
		OpportunityID: d.OpportunityID,
		Status:        res.Status,
		Latency:       res.Latency,
		Body:          res.Body,
		URL:           res.URL,
		Posts:         res.Posts,
		At:            time.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	p.observe(outcome)

	// The POSTs went out; record them even when the producer is gone.
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if outcome.Posts > 0 {
		if rerr := p.store.RecordClaimAttempt(pctx, outcome); rerr != nil {
			log.Error("record claim attempt failed", zap.Error(rerr))
		}
	}

	fields := []zap.Field{
		zap.Int("status", res.Status),
		zap.Duration("latency", res.Latency),
		zap.Int("posts", res.Posts),
		zap.String("url", res.URL),
		zap.Duration("age", outcome.At.Sub(d.SeenAt)),
	}
	if res.BodyErr != nil {
		fields = append(fields, zap.NamedError("body_error", res.BodyErr))
	}
	switch {
	case err != nil:
		log.Warn("claim failed", append(fields, zap.Error(err))...)
	case res.Status == http.StatusUnauthorized:
		log.Warn("claim unauthorized, refreshing token", fields...)
		p.tokens.MarkBad(pctx, p.region.Slug)
	case res.Throttled():
		log.Warn("claim throttled, region backing off", append(fields, zap.Time("until", p.state.BackoffUntil()))...)
	case outcome.Won():
		log.Info("claimed", append(fields, zap.String("body", res.Body))...)
		p.sink.Claimed(pctx, outcome)
	default:
		log.Info("claim rejected", append(fields, zap.String("body", res.Body))...)
	}
}

func (p *Pipeline) observe(o model.ClaimOutcome) {
	label := "error"
	if o.Status != 0 {
		label = strconv.Itoa(o.Status)
	}
	metrics.ClaimsTotal.WithLabelValues(p.region.Slug, label).Inc()
	if o.Posts > 0 {
		metrics.ClaimDurationSeconds.WithLabelValues(p.region.Slug).Observe(o.Latency.Seconds())
	}

	p.mu.Lock()
	p.lastClaim = model.ClaimSummary{OpportunityID: o.OpportunityID, Status: o.Status, Error: o.Error, At: o.At}
	p.mu.Unlock()
}

func (p *Pipeline) recoverPanic(opportunityID string) {
	if r := recover(); r != nil {
		p.log.Error("pipeline panic", zap.String("opportunity_id", opportunityID), zap.Any("panic", r))
	}
}

// InFlight returns the number of claims dispatched and not yet finished.
func (p *Pipeline) InFlight() int64 { return p.inflight.Load() }

// LastClaim returns the most recent claim result.
func (p *Pipeline) LastClaim() model.ClaimSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastClaim
}

// Wait blocks until all background work has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// persistContext detaches ctx from cancellation so records of work already
// done survive shutdown and region restarts.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// sleep waits for d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
