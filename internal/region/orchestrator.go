// Package region runs one supervised worker per region: the feed poller,
// the optional hub listener and the proactive token refresh. A failing
// region is restarted without disturbing the others.
package region

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/poller"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker states.
const (
	StateStarting   = "starting"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
)

// Pipeline is the claim pipeline as seen by the supervisor.
type Pipeline interface {
	State() *portal.RegionState
	InFlight() int64
	LastClaim() model.ClaimSummary
	Wait()
}

// Poller is the region's feed loop.
type Poller interface {
	Run(ctx context.Context) error
	Last() poller.Status
}

// Listener is the region's push channel.
type Listener interface {
	Run(ctx context.Context) error
	Connected() bool
}

// Scheduler refreshes a region's token ahead of expiry until ctx ends.
type Scheduler interface {
	Schedule(ctx context.Context, region string, lead time.Duration)
}

// Heartbeat publishes region status for other processes.
type Heartbeat interface {
	Update(ctx context.Context, st model.RegionStatus) error
}

// Worker bundles the parts of one region. Listener may be nil.
type Worker struct {
	Region   model.Region
	Pipeline Pipeline
	Poller   Poller
	Listener Listener
}

// Config tunes the orchestrator.
type Config struct {
	// Interval is the poll interval; region i starts after i*Interval/len.
	Interval       time.Duration
	RestartDelay   time.Duration
	RefreshLead    time.Duration
	HeartbeatEvery time.Duration
}

type workerState struct {
	state    string
	restarts int
}

// Orchestrator supervises all region workers.
type Orchestrator struct {
	cfg       Config
	workers   []Worker
	tokens    Scheduler
	heartbeat Heartbeat
	log       *zap.Logger

	mu     sync.Mutex
	states map[string]*workerState
}

// New creates an orchestrator. tokens and heartbeat may be nil.
func New(cfg Config, workers []Worker, tokens Scheduler, heartbeat Heartbeat, log *zap.Logger) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = 5 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	states := make(map[string]*workerState, len(workers))
	for _, w := range workers {
		states[w.Region.Slug] = &workerState{state: StateStarting}
	}
	return &Orchestrator{
		cfg:       cfg,
		workers:   workers,
		tokens:    tokens,
		heartbeat: heartbeat,
		log:       log,
		states:    states,
	}
}

// Run starts every region and blocks until ctx is cancelled and all
// in-flight claims have finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n := time.Duration(len(o.workers))
	for i, w := range o.workers {
		stagger := time.Duration(i) * o.cfg.Interval / n
		g.Go(func() error {
			o.runRegion(gctx, w, stagger)
			return nil
		})
		if o.tokens != nil {
			g.Go(func() error {
				o.tokens.Schedule(gctx, w.Region.Slug, o.cfg.RefreshLead)
				return nil
			})
		}
	}
	if o.heartbeat != nil {
		g.Go(func() error {
			o.publishLoop(gctx)
			return nil
		})
	}
	err := g.Wait()

	for _, w := range o.workers {
		w.Pipeline.Wait()
	}
	o.log.Info("all regions stopped")
	return err
}

func (o *Orchestrator) runRegion(ctx context.Context, w Worker, stagger time.Duration) {
	log := o.log.With(zap.String("region", w.Region.Slug))
	defer o.setState(w.Region.Slug, StateStopped, false)

	if !sleep(ctx, stagger) {
		return
	}
	for {
		o.setState(w.Region.Slug, StateRunning, false)
		log.Info("region worker started", zap.Bool("hub", w.Listener != nil))

		err := o.runOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}
		o.setState(w.Region.Slug, StateRestarting, true)
		log.Error("region worker failed, restarting",
			zap.Error(err),
			zap.Duration("delay", o.cfg.RestartDelay),
		)
		if !sleep(ctx, o.cfg.RestartDelay) {
			return
		}
	}
}

// runOnce runs the region's loops until one of them fails or ctx ends.
func (o *Orchestrator) runOnce(ctx context.Context, w Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered(func() error { return w.Poller.Run(gctx) }))
	if w.Listener != nil {
		g.Go(recovered(func() error { return w.Listener.Run(gctx) }))
	}
	return g.Wait()
}

func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return fn()
	}
}

func (o *Orchestrator) publishLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		for _, st := range o.Status() {
			if err := o.heartbeat.Update(ctx, st); err != nil && ctx.Err() == nil {
				o.log.Warn("region heartbeat failed", zap.String("region", st.Region), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (o *Orchestrator) setState(slug, state string, restarted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws := o.states[slug]
	ws.state = state
	if restarted {
		ws.restarts++
	}
}

// Status returns a snapshot of every region, in configuration order.
func (o *Orchestrator) Status() []model.RegionStatus {
	out := make([]model.RegionStatus, 0, len(o.workers))
	for _, w := range o.workers {
		o.mu.Lock()
		ws := *o.states[w.Region.Slug]
		o.mu.Unlock()

		last := w.Poller.Last()
		st := model.RegionStatus{
			Region:         w.Region.Slug,
			Name:           w.Region.Name,
			State:          ws.state,
			Restarts:       ws.restarts,
			LastPollAt:     last.At,
			LastPollResult: last.Result,
			LastPollItems:  last.Items,
			InFlight:       w.Pipeline.InFlight(),
			LastClaim:      w.Pipeline.LastClaim(),
		}
		if until := w.Pipeline.State().BackoffUntil(); time.Now().Before(until) {
			st.BackoffUntil = until
		}
		if w.Listener != nil {
			st.HubConnected = w.Listener.Connected()
		}
		out = append(out, st)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
