// Package app assembles the pipeline components for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"enrollment-pipeline/internal/api"
	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/deadletter"
	"enrollment-pipeline/internal/eligibility"
	"enrollment-pipeline/internal/intake"
	"enrollment-pipeline/internal/queue"
	"enrollment-pipeline/internal/ratelimit"
	"enrollment-pipeline/internal/store"
	"enrollment-pipeline/internal/telemetry"
	"enrollment-pipeline/internal/worker"
)

// Mode selects which halves of the pipeline a process runs.
type Mode string

const (
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
	// ModeAll runs the API and the worker in one process. It is the only
	// mode that accepts an embedded store backend.
	ModeAll Mode = "all"
)

// App owns the shared connections of one process.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger

	store   store.Store
	queue   *queue.RedisQueue
	limiter *redis.Client

	shutdownTracing telemetry.ShutdownFunc
}

// New validates the mode against the store backend, installs tracing and
// opens the store and queue. The store must answer a ping before New returns.
func New(ctx context.Context, cfg config.Config, mode Mode, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch mode {
	case ModeAPI, ModeWorker, ModeAll:
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if store.Embedded(cfg.StoreBackend) && mode != ModeAll {
		return nil, fmt.Errorf("store backend %q is local to one process and cannot be shared by the %s binary; use postgres or run the pipeline binary", cfg.StoreBackend, mode)
	}

	shutdownTracing, err := telemetry.SetupTracing(telemetry.TracingConfig{
		Enabled:          cfg.TracingEnabled,
		ServiceName:      "enrollment-" + string(mode),
		ServiceVersion:   cfg.ServiceVersion,
		Environment:      cfg.Env,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		SamplingRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("ping %s store: %w", cfg.StoreBackend, err)
	}

	q := queue.NewRedisQueue(cfg)
	if err := q.Ping(ctx); err != nil {
		logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	return &App{
		cfg:             cfg,
		mode:            mode,
		logger:          logger,
		store:           st,
		queue:           q,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Handler builds the intake API with /healthz checking the store and queue.
func (a *App) Handler() http.Handler {
	if a.limiter == nil {
		a.limiter = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
	}
	limiter := ratelimit.NewTokenBucket(a.limiter, a.cfg.RateLimitCapacity, a.cfg.RateLimitRefill, time.Hour)

	rules := eligibility.NewService(a.store, a.logger)
	in := intake.NewService(rules, a.store, a.queue, a.logger)
	server := api.New(in, rules, limiter, a.queue, a.logger)
	server.AddHealthCheck("store", a.store.Ping)
	server.AddHealthCheck("queue", a.queue.Ping)
	return server.Router()
}

// ServeAPI listens on the configured port until ctx is cancelled.
func (a *App) ServeAPI(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("api listening", zap.String("port", a.cfg.HTTPPort), zap.String("store", a.cfg.StoreBackend))
	return serve(ctx, httpServer)
}

// RunWorker runs the processor and the reconciler until ctx is cancelled.
// The standalone worker also serves /metrics; in ModeAll the API router does.
func (a *App) RunWorker(ctx context.Context) error {
	sinks := deadletter.Fanout{a.queue}
	archive, err := deadletter.NewS3Sink(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("init s3 dead-letter archive: %w", err)
	}
	if archive != nil {
		sinks = append(sinks, archive)
		a.logger.Info("archiving dead letters to s3", zap.String("bucket", a.cfg.DLQS3Bucket))
	}

	id := workerID()
	processor := worker.NewProcessorWithID(a.cfg, a.queue, a.store, nil, sinks, a.logger, id)
	reconciler := worker.NewReconciler(a.store, a.queue, a.cfg.ReconcilePendingAge, a.cfg.ReconcileInterval, a.cfg.ReconcileBatchSize, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if a.mode == ModeWorker {
		metricsServer := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serve(gctx, metricsServer) })
	}

	a.logger.Info("worker started",
		zap.String("worker_id", id),
		zap.Duration("visibility", a.cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", a.cfg.BackoffInitial),
		zap.Int("concurrency", a.cfg.WorkerConcurrency),
	)
	return ignoreCanceled(g.Wait())
}

// Run starts whatever the mode calls for and blocks until ctx is cancelled
// or a component fails.
func (a *App) Run(ctx context.Context) error {
	switch a.mode {
	case ModeAPI:
		return a.ServeAPI(ctx)
	case ModeWorker:
		return a.RunWorker(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ServeAPI(gctx) })
	g.Go(func() error { return a.RunWorker(gctx) })
	return ignoreCanceled(g.Wait())
}

// Close releases connections and flushes pending spans.
func (a *App) Close() error {
	var errs []error
	if a.limiter != nil {
		errs = append(errs, a.limiter.Close())
	}
	errs = append(errs, a.queue.Close(), a.store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.shutdownTracing(ctx))
	return errors.Join(errs...)
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerID comes from WORKER_ID, then the hostname, then the pid.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
