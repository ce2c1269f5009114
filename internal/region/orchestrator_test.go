package region

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/poller"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"go.uber.org/zap"
)

type fakePipeline struct {
	state  portal.RegionState
	waited atomic.Bool
}

func (p *fakePipeline) State() *portal.RegionState { return &p.state }
func (p *fakePipeline) InFlight() int64 { return 2 }
func (p *fakePipeline) LastClaim() model.ClaimSummary {
	return model.ClaimSummary{OpportunityID: "7", Status: 200}
}
func (p *fakePipeline) Wait() { p.waited.Store(true) }

type fakePoller struct {
	panics  atomic.Int32
	runs    atomic.Int32
	started chan time.Time
}

func (p *fakePoller) Run(ctx context.Context) error {
	p.runs.Add(1)
	select {
	case p.started <- time.Now():
	default:
	}
	if p.panics.Add(-1) >= 0 {
		panic("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePoller) Last() poller.Status {
	return poller.Status{Result: "ok", Items: 3}
}

type fakeListener struct{ connected bool }

func (l *fakeListener) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *fakeListener) Connected() bool { return l.connected }

type fakeScheduler struct {
	mu      sync.Mutex
	regions []string
}

func (s *fakeScheduler) Schedule(ctx context.Context, region string, _ time.Duration) {
	s.mu.Lock()
	s.regions = append(s.regions, region)
	s.mu.Unlock()
	<-ctx.Done()
}

type fakeHeartbeat struct {
	updates chan model.RegionStatus
}

func (h *fakeHeartbeat) Update(_ context.Context, st model.RegionStatus) error {
	select {
	case h.updates <- st:
	default:
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestratorRestartsPanickedRegion(t *testing.T) {
	bad := &fakePoller{started: make(chan time.Time, 4)}
	bad.panics.Store(1)
	good := &fakePoller{started: make(chan time.Time, 4)}
	pipes := []*fakePipeline{{}, {}}
	workers := []Worker{
		{Region: model.NewRegion("North", "", ""), Pipeline: pipes[0], Poller: bad},
		{Region: model.NewRegion("South", "", ""), Pipeline: pipes[1], Poller: good, Listener: &fakeListener{connected: true}},
	}
	sched := &fakeScheduler{}
	o := New(Config{Interval: 100 * time.Millisecond, RestartDelay: 10 * time.Millisecond}, workers, sched, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return bad.runs.Load() >= 2 })
	waitFor(t, func() bool { return o.Status()[0].State == StateRunning })

	st := o.Status()
	if st[0].Region != "north" || st[0].Restarts != 1 {
		t.Errorf("north status = %+v", st[0])
	}
	if good.runs.Load() != 1 {
		t.Errorf("healthy region restarted: runs = %d", good.runs.Load())
	}
	if !st[1].HubConnected || st[1].InFlight != 2 || st[1].LastClaim.OpportunityID != "7" || st[1].LastPollItems != 3 {
		t.Errorf("south status = %+v", st[1])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	for i, p := range pipes {
		if !p.waited.Load() {
			t.Errorf("pipeline %d not drained", i)
		}
	}
	for _, s := range o.Status() {
		if s.State != StateStopped {
			t.Errorf("%s state = %s after shutdown", s.Region, s.State)
		}
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.regions) != 2 {
		t.Errorf("token schedules = %v", sched.regions)
	}
}

func TestOrchestratorStaggersRegionStarts(t *testing.T) {
	first := &fakePoller{started: make(chan time.Time, 1)}
	second := &fakePoller{started: make(chan time.Time, 1)}
	workers := []Worker{
		{Region: model.NewRegion("A", "", ""), Pipeline: &fakePipeline{}, Poller: first},
		{Region: model.NewRegion("B", "", ""), Pipeline: &fakePipeline{}, Poller: second},
	}
	o := New(Config{Interval: 200 * time.Millisecond}, workers, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	begin := time.Now()
	go func() { _ = o.Run(ctx) }()

	t1 := <-first.started
	t2 := <-second.started
	if !t1.Before(t2) {
		t.Errorf("regions started out of order: %v, %v", t1, t2)
	}
	if t2.Sub(begin) < 100*time.Millisecond {
		t.Errorf("second region started after %v, want >= 100ms", t2.Sub(begin))
	}
}

func TestOrchestratorPublishesHeartbeats(t *testing.T) {
	hb := &fakeHeartbeat{updates: make(chan model.RegionStatus, 4)}
	p := &fakePipeline{}
	workers := []Worker{{Region: model.NewRegion("Gulf Coast", "", ""), Pipeline: p, Poller: &fakePoller{started: make(chan time.Time, 1)}}}
	o := New(Config{HeartbeatEvery: 10 * time.Millisecond}, workers, nil, hb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	select {
	case st := <-hb.updates:
		if st.Region != "gulf-coast" {
			t.Errorf("heartbeat region = %q", st.Region)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat published")
	}
}
