// Package main wires together the feedback scrape orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/api"
	"github.com/feedbackforge/scrape-orchestrator/internal/archive"
	"github.com/feedbackforge/scrape-orchestrator/internal/breaker"
	"github.com/feedbackforge/scrape-orchestrator/internal/clock/system"
	"github.com/feedbackforge/scrape-orchestrator/internal/config"
	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/httpx"
	"github.com/feedbackforge/scrape-orchestrator/internal/id/uuid"
	"github.com/feedbackforge/scrape-orchestrator/internal/logging"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
	"github.com/feedbackforge/scrape-orchestrator/internal/notify"
	"github.com/feedbackforge/scrape-orchestrator/internal/orchestrator"
	"github.com/feedbackforge/scrape-orchestrator/internal/queue"
	"github.com/feedbackforge/scrape-orchestrator/internal/runner"
	"github.com/feedbackforge/scrape-orchestrator/internal/sources"
	"github.com/feedbackforge/scrape-orchestrator/internal/store"
	"github.com/feedbackforge/scrape-orchestrator/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics.Init()
	clock := system.New()
	idGen := uuid.New()

	var (
		q    feedback.Queue
		st   feedback.JobStore
		ping api.Pinger
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		q = queue.NewRedis(client, logger.Named("queue"))
		st = store.NewCached(store.NewRedis(client), logger.Named("store"))
		ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("using redis backend", zap.String("addr", cfg.Redis.Addr))
	} else {
		q = queue.NewMemory()
		st = store.NewMemory()
		logger.Info("using in-memory backend")
	}

	jobs := queue.NewJobQueue(q, st, clock, idGen, cfg.Jobs.MaxAttempts, logger.Named("jobs"))

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger.Named("breaker"))
	client := httpx.New(httpx.Config{
		MaxRetries:     cfg.HTTPClient.MaxRetries,
		BaseDelay:      cfg.HTTPClient.BaseDelay,
		BackoffFactor:  cfg.HTTPClient.BackoffFactor,
		MaxDelay:       cfg.HTTPClient.MaxDelay,
		ConnectTimeout: cfg.HTTPClient.ConnectTimeout,
		RequestTimeout: cfg.HTTPClient.RequestTimeout,
		UserAgent:      cfg.HTTPClient.UserAgent,
	}, breakers, logger.Named("httpx"))

	registry, closeSources, err := buildSources(cfg, client, logger)
	if err != nil {
		return err
	}
	defer closeSources()

	archiver, err := buildArchiver(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	run := runner.New(cfg.Orchestrator.TaskTimeout, logger.Named("runner"))
	orch := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Orchestrator.Concurrency,
		TaskTimeout: cfg.Orchestrator.TaskTimeout,
		Pacing:      cfg.Orchestrator.Pacing,
	}, registry, run, st, logger.Named("orchestrator"))

	pool := worker.New(jobs, orch, archiver, publisher, clock, worker.Config{
		PoolSize:    cfg.Worker.PoolSize,
		DequeueWait: cfg.Worker.DequeueWait,
		Topic:       cfg.PubSub.Topic,
	}, logger.Named("worker"))

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		logger.Info("worker pool started", zap.Int("size", cfg.Worker.PoolSize))
		pool.Run(ctx)
	}()

	apiServer := api.NewServer(jobs, registry, ping, api.Config{}, logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers drain their in-flight jobs once ctx is cancelled.
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool drain timed out")
	}
	logger.Info("shutdown complete")
	return nil
}

func buildSources(cfg *config.Config, client *httpx.Client, logger *zap.Logger) (*sources.Registry, func(), error) {
	registry := sources.NewRegistry()
	var closers []func()

	for _, sc := range cfg.Sources.API {
		registry.Register(sources.NewAPIScraper(sc, client, logger.Named("source").With(zap.String("source", sc.Name))))
	}
	for _, sc := range cfg.Sources.HTML {
		if sc.UserAgent == "" {
			sc.UserAgent = cfg.HTTPClient.UserAgent
		}
		registry.Register(sources.NewHTMLScraper(sc, client, logger.Named("source").With(zap.String("source", sc.Name))))
	}
	for _, sc := range cfg.Sources.Headless {
		if sc.UserAgent == "" {
			sc.UserAgent = cfg.HTTPClient.UserAgent
		}
		headless, err := sources.NewHeadlessScraper(sc, client, logger.Named("source").With(zap.String("source", sc.Name)))
		if err != nil {
			return nil, nil, fmt.Errorf("init headless source %s: %w", sc.Name, err)
		}
		registry.Register(headless)
		closers = append(closers, headless.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return registry, closeAll, nil
}

func buildArchiver(ctx context.Context, cfg *config.Config, clock feedback.Clock, logger *zap.Logger) (feedback.Archiver, error) {
	var blobs archive.BlobStore
	switch cfg.Archive.Backend {
	case "":
		return nil, nil
	case "memory":
		blobs = archive.NewMemory()
	case "local":
		local, err := archive.NewLocal(cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = local
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		gcs, err := archive.NewGCS(client, cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		blobs = gcs
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
	return archive.New(blobs, clock, logger.Named("archive")), nil
}

func buildPublisher(ctx context.Context, cfg *config.Config) (feedback.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return nil, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	publisher, err := notify.NewPubSub(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeAll := func() {
		publisher.Close()
		_ = client.Close()
	}
	return publisher, closeAll, nil
}
