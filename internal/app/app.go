// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixeltrail/pixeltrail/internal/api"
	blobgcs "github.com/pixeltrail/pixeltrail/internal/blob/gcs"
	bloblocal "github.com/pixeltrail/pixeltrail/internal/blob/local"
	blobmemory "github.com/pixeltrail/pixeltrail/internal/blob/memory"
	"github.com/pixeltrail/pixeltrail/internal/capture"
	"github.com/pixeltrail/pixeltrail/internal/clock/system"
	"github.com/pixeltrail/pixeltrail/internal/config"
	"github.com/pixeltrail/pixeltrail/internal/coordinator"
	"github.com/pixeltrail/pixeltrail/internal/crawler"
	"github.com/pixeltrail/pixeltrail/internal/diff"
	"github.com/pixeltrail/pixeltrail/internal/hash/sha256"
	"github.com/pixeltrail/pixeltrail/internal/id/uuid"
	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/logging"
	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/notify"
	notifypubsub "github.com/pixeltrail/pixeltrail/internal/notify/pubsub"
	storememory "github.com/pixeltrail/pixeltrail/internal/store/memory"
	storepostgres "github.com/pixeltrail/pixeltrail/internal/store/postgres"
	"github.com/pixeltrail/pixeltrail/internal/taskqueue"
	queuememory "github.com/pixeltrail/pixeltrail/internal/taskqueue/memory"
	queueredis "github.com/pixeltrail/pixeltrail/internal/taskqueue/redis"
	"github.com/pixeltrail/pixeltrail/internal/vr"
	"github.com/pixeltrail/pixeltrail/internal/worker"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and torn down via Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     vr.Store
	queue     vr.TaskQueue
	blobs     vr.BlobStore
	notifier  vr.Notifier
	lifecycle *lifecycle.Manager
	coord     *coordinator.Coordinator
	shooter   capture.Screenshotter
	pump      *worker.Pump
	sweeper   *taskqueue.Sweeper
	server    *api.Server

	closers []func()
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Lifecycle exposes the release lifecycle manager.
func (a *App) Lifecycle() *lifecycle.Manager { return a.lifecycle }

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// New builds the service from configuration, failing fast when a critical
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	hasher := sha256.New()
	clk := system.New()
	ids := uuid.NewGenerator()

	switch cfg.Store.Backend {
	case "postgres":
		logger.Info("connecting to postgres")
		pg, err := storepostgres.NewStore(ctx, storepostgres.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		a.store = pg
		a.closers = append(a.closers, pg.Close)
	default:
		a.store = storememory.NewStore()
	}

	switch cfg.Blob.Backend {
	case "gcs":
		logger.Info("using gcs blob store", zap.String("bucket", cfg.Blob.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err := blobgcs.New(client, blobgcs.Config{
			Bucket: cfg.Blob.GCSBucket,
			Prefix: cfg.Blob.GCSPrefix,
		}, hasher, clk)
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, func() { _ = client.Close() })
	case "local":
		blobs, err := bloblocal.New(bloblocal.Config{BaseDir: cfg.Blob.BaseDir}, hasher, clk)
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		a.blobs = blobs
	default:
		a.blobs = blobmemory.NewBlobStore(hasher, clk)
	}

	switch cfg.TaskQueue.Backend {
	case "redis":
		logger.Info("using redis task queue", zap.String("addr", cfg.TaskQueue.RedisAddr))
		q, err := queueredis.NewQueue(ctx, queueredis.Config{
			URL:         fmt.Sprintf("redis://%s/%d", cfg.TaskQueue.RedisAddr, cfg.TaskQueue.RedisDB),
			MaxAttempts: cfg.TaskQueue.MaxAttempts,
			KeyPrefix:   cfg.TaskQueue.RedisPrefix,
		}, clk, ids)
		if err != nil {
			return nil, fmt.Errorf("init task queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, func() { _ = q.Close() })
	default:
		a.queue = queuememory.NewQueue(queuememory.Config{
			MaxAttempts: cfg.TaskQueue.MaxAttempts,
		}, clk, ids)
	}

	switch cfg.Notify.Backend {
	case "pubsub":
		logger.Info("using pubsub notifier", zap.String("topic", cfg.Notify.TopicID))
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		notifier, err := notifypubsub.New(client, notifypubsub.Config{
			ProjectID: cfg.Notify.ProjectID,
			TopicID:   cfg.Notify.TopicID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init notifier: %w", err)
		}
		a.notifier = notifier
		a.closers = append(a.closers, func() {
			notifier.Close()
			_ = client.Close()
		})
	default:
		a.notifier = notify.NewNoop(logger)
	}

	a.lifecycle = lifecycle.New(a.store, a.queue, a.notifier, clk, ids, logger)

	a.coord = coordinator.New(coordinator.Config{
		Workers:        cfg.Coordinator.Workers,
		QueueDepth:     cfg.Coordinator.QueueDepth,
		MaxAttempts:    cfg.Coordinator.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Coordinator.BackoffInitialMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Coordinator.BackoffMaxMs) * time.Millisecond,
		DrainTimeout:   time.Duration(cfg.Coordinator.DrainTimeoutSeconds) * time.Second,
	}, logger)

	shooter, err := capture.NewChromeShooter(capture.Config{
		MaxParallel:    cfg.Capture.MaxParallel,
		NavTimeout:     time.Duration(cfg.Capture.NavTimeoutSec) * time.Second,
		SettleDelay:    time.Duration(cfg.Capture.SettleDelayMs) * time.Millisecond,
		ViewportWidth:  cfg.Capture.ViewportWidth,
		ViewportHeight: cfg.Capture.ViewportHeight,
		DomainQPS:      cfg.Capture.DomainQPS,
		UserAgent:      cfg.Capture.UserAgent,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init headless browser: %w", err)
	}
	a.shooter = shooter
	a.closers = append(a.closers, func() { _ = shooter.Close(context.Background()) })

	a.pump = worker.NewPump(worker.Config{
		WorkerID:     cfg.Worker.WorkerID,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		LeaseTTL:     time.Duration(cfg.Worker.LeaseTTLSeconds) * time.Second,
	}, a.queue, a.coord, a.blobs, a.lifecycle, logger)

	captureHandler := capture.NewHandler(shooter, a.blobs, a.lifecycle, a.queue, logger)
	if err := a.pump.Bind(vr.TaskCapture, captureHandler); err != nil {
		return nil, fmt.Errorf("bind capture handler: %w", err)
	}
	diffHandler := diff.NewHandler(diff.NewPixelDiffer(), a.blobs, a.lifecycle, a.queue, logger)
	if err := a.pump.Bind(vr.TaskDiff, diffHandler); err != nil {
		return nil, fmt.Errorf("bind diff handler: %w", err)
	}

	siteCrawler := crawler.NewSiteCrawler(crawler.Config{
		MaxDepth:       cfg.Crawler.MaxDepth,
		MaxPages:       cfg.Crawler.MaxPages,
		Concurrency:    cfg.Crawler.Concurrency,
		Delay:          time.Duration(cfg.Crawler.DelayMs) * time.Millisecond,
		UserAgent:      cfg.Crawler.UserAgent,
		IgnorePrefixes: cfg.Crawler.IgnorePrefixes,
	}, logger)
	crawlHandler := crawler.NewHandler(siteCrawler, a.lifecycle, logger)
	err = a.coord.Register(coordinator.KindCrawl,
		func(ctx context.Context, item coordinator.Item) ([]coordinator.Item, error) {
			req, ok := item.Payload.(crawler.Request)
			if !ok {
				return nil, vr.Validationf("item payload is %T, want crawl request", item.Payload)
			}
			return nil, crawlHandler.Execute(ctx, req)
		})
	if err != nil {
		return nil, fmt.Errorf("register crawl handler: %w", err)
	}

	a.sweeper = taskqueue.NewSweeper(
		a.queue,
		time.Duration(cfg.TaskQueue.SweepIntervalSeconds)*time.Second,
		logger,
	)
	a.server = api.NewServer(a.lifecycle, a.store, a.blobs, a.coord, cfg, logger)

	logger.Info("application services initialized")
	return a, nil
}

// Run starts the coordinator, the task pump, the lease sweeper, and the HTTP
// server, and blocks until the context ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.coord.Start()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.pump.Run(ctx)
	})
	g.Go(func() error {
		a.sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown failed", zap.Error(err))
		}
		if err := a.coord.Stop(shutdownCtx); err != nil {
			a.logger.Warn("coordinator stop failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close tears down all services in reverse initialization order.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
