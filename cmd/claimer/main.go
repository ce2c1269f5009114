package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hezlepinc/lead-ingestor/internal/config"
	"github.com/Hezlepinc/lead-ingestor/internal/events"
	"github.com/Hezlepinc/lead-ingestor/internal/handler"
	"github.com/Hezlepinc/lead-ingestor/internal/lock"
	"github.com/Hezlepinc/lead-ingestor/internal/notify"
	"github.com/Hezlepinc/lead-ingestor/internal/poller"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"github.com/Hezlepinc/lead-ingestor/internal/region"
	"github.com/Hezlepinc/lead-ingestor/internal/server"
	"github.com/Hezlepinc/lead-ingestor/internal/service"
	"github.com/Hezlepinc/lead-ingestor/internal/store"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"github.com/Hezlepinc/lead-ingestor/pkg/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	log, _ := zap.NewProduction()
	if cfg.Development() {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instance := uuid.NewString()
	log = log.With(zap.String("instance", instance))

	st, err := store.Open(ctx, cfg.StoreURL, log)
	if err != nil {
		log.Error("store connect", zap.Error(err))
		return 1
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("redis connect", zap.Error(err))
			return 1
		}
		defer rdb.Close()
	}

	locker, err := newLocker(ctx, cfg, st, rdb, instance)
	if err != nil {
		log.Error("lock backend", zap.Error(err))
		return 1
	}

	var refresher token.Refresher = token.NopRefresher{Log: log}
	if cfg.RefreshURL != "" {
		refresher = token.NewWebhookRefresher(cfg.RefreshURL)
	}
	tokens := token.NewManager(token.NewFileSource(cfg.CredentialsDir), st, refresher, log)

	sink, closeSinks := newSinks(ctx, cfg, log)
	defer closeSinks()

	httpClient := portal.NewHTTPClient()
	feed := portal.NewFeedClient(httpClient)
	claimer := portal.NewClaimClient(httpClient, portal.ClaimConfig{
		Shapes:  cfg.ClaimPaths,
		Timeout: cfg.ClaimTimeout,
		Backoff: cfg.ClaimBackoff,
	})

	workers := make([]region.Worker, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		pipe := service.NewPipeline(r, service.PipelineConfig{
			AutoClaim:   cfg.AutoClaim,
			ClaimJitter: cfg.ClaimJitter,
			LockTTL:     cfg.LockTTL,
			Sentinels:   cfg.Sentinels,
			ClaimRate:   cfg.ClaimRate,
			SeenTTL:     cfg.SeenTTL,
			SeenMax:     cfg.SeenMax,
		}, locker, tokens, claimer, st, sink, log)

		w := region.Worker{
			Region:   r,
			Pipeline: pipe,
			Poller: poller.New(r, poller.Config{
				Interval: cfg.PollInterval,
				Jitter:   cfg.PollJitter,
				PageSize: cfg.PageSize,
			}, feed, tokens, pipe, log),
		}
		if cfg.HubEnabled {
			w.Listener = events.New(r, events.Config{HubURL: cfg.HubURL}, httpClient, tokens, pipe, log)
		}
		workers = append(workers, w)
	}

	var (
		heartbeat region.Heartbeat
		registry  handler.RegistryReader
	)
	if rdb != nil {
		reg := service.NewRegionRegistry(rdb.Redis(), instance)
		heartbeat, registry = reg, reg
	}
	orch := region.New(region.Config{
		Interval:    cfg.PollInterval,
		RefreshLead: cfg.RefreshLead,
	}, workers, tokens, heartbeat, log)

	srv := server.New(cfg, log, server.NewDeps(st, orch, registry, tokens, log))
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	log.Info("claimer started",
		zap.Int("regions", len(workers)),
		zap.String("lock_backend", locker.Backend()),
		zap.Bool("auto_claim", cfg.AutoClaim),
		zap.Bool("hub", cfg.HubEnabled),
	)

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("server failed", zap.Error(err))
		code = 1
		stop()
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	select {
	case <-done:
	case <-sctx.Done():
		log.Warn("shutdown timed out with claims in flight")
	}
	return code
}

func newLocker(ctx context.Context, cfg *config.Config, st store.Store, rdb *redis.Client, owner string) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.LockRedis:
		if rdb == nil {
			return nil, errors.New("redis lock backend without redis")
		}
		return lock.NewRedisLocker(rdb.Redis(), owner), nil
	case config.LockDynamo:
		client, err := lock.NewDynamoClient(ctx, "", cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		return lock.NewDynamoLocker(client, cfg.DynamoTable, owner), nil
	case config.LockStore:
		return lock.NewStoreLocker(st, owner), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

// newSinks builds the optional detection publisher and claim mailer.
func newSinks(ctx context.Context, cfg *config.Config, log *zap.Logger) (notify.Sink, func()) {
	var (
		sinks   notify.Multi
		closers []func()
	)
	if cfg.KafkaBrokers != "" {
		p := notify.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		sinks = append(sinks, p)
		closers = append(closers, func() { _ = p.Close() })
	}
	if cfg.SESFrom != "" && cfg.SESTo != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Warn("claim mail disabled, aws config", zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewMailer(awsCfg, cfg.SESFrom, splitList(cfg.SESTo), log))
		}
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
