// Package app assembles the scraper's long-lived services from configuration
// and runs them: the task engine, its worker pool, the progress hub and the
// HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/api"
	"github.com/JakeFAU/email-scraper/internal/clock"
	"github.com/JakeFAU/email-scraper/internal/config"
	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/dispatcher"
	"github.com/JakeFAU/email-scraper/internal/engine"
	"github.com/JakeFAU/email-scraper/internal/export"
	"github.com/JakeFAU/email-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/email-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/email-scraper/internal/id/uuid"
	"github.com/JakeFAU/email-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/email-scraper/internal/progress"
	"github.com/JakeFAU/email-scraper/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/email-scraper/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/email-scraper/internal/queue/memory"
	"github.com/JakeFAU/email-scraper/internal/storage/gcs"
	"github.com/JakeFAU/email-scraper/internal/storage/local"
	memstore "github.com/JakeFAU/email-scraper/internal/storage/memory"
	"github.com/JakeFAU/email-scraper/internal/storage/postgres"
	"github.com/JakeFAU/email-scraper/internal/worker"
)

// App holds the wired services. Build it with New, start background work
// with Start (or Serve) and release everything with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue      *memqueue.Queue
	hub        *progress.Hub
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	server     *api.Server

	ready   atomic.Bool
	cancel  context.CancelFunc
	drained chan struct{}
	janitor chan struct{}
	closers []func(context.Context) error
	once    sync.Once
}

type options struct {
	registerer prometheus.Registerer
	gcsFactory gcs.ClientFactory
	publisher  crawler.Publisher
	archive    crawler.Archive
}

// Option customizes New.
type Option func(*options)

// WithRegisterer sends the progress collectors to reg instead of the default
// registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithGCSClientFactory replaces the Application Default Credentials factory
// used by the gcs storage backend.
func WithGCSClientFactory(f gcs.ClientFactory) Option {
	return func(o *options) { o.gcsFactory = f }
}

// WithPublisher supplies the notice publisher instead of connecting to
// Pub/Sub from configuration.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithArchive supplies the task archive instead of connecting to Postgres
// from configuration.
func WithArchive(a crawler.Archive) Option {
	return func(o *options) { o.archive = a }
}

// New builds every service described by cfg. Optional backends (Postgres,
// Pub/Sub, GCS) are connected here so misconfiguration fails fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{gcsFactory: gcs.DefaultClientFactory{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.runClosers(context.WithoutCancel(ctx))
		}
	}()

	exports, err := a.buildExportStore(ctx, o)
	if err != nil {
		return nil, err
	}
	archive, err := a.buildArchive(ctx, o)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx, o)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)
	a.closers = append(a.closers, a.hub.Close)

	clk := clock.NewSystem()
	bus := progress.NewBus(progress.WithEmitter(a.hub))
	tasks := memstore.NewTaskStore(clk)
	a.queue = memqueue.NewQueue(cfg.Crawler.QueueDepth)

	sites := crawler.NewSiteCrawler(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
			MaxBodySize:   cfg.Crawler.MaxBodyBytes,
		}),
		extract.New(extract.Config{
			IgnoredDomains:   cfg.Crawler.IgnoredDomains,
			IgnoredAddresses: cfg.Crawler.IgnoredEmails,
		}),
		ratelimit.New(ratelimit.Config{Delay: cfg.Crawler.PoliteDelay}),
		crawler.SiteCrawlerConfig{Candidates: cfg.Crawler.Candidates},
		logger.Named("site"),
	)
	writer := export.NewWriter(exports, logger.Named("export"))

	runners := make([]dispatcher.Runner, 0, cfg.Crawler.TaskConcurrency)
	for i := 0; i < cfg.Crawler.TaskConcurrency; i++ {
		runners = append(runners, worker.New(
			a.queue,
			tasks,
			sites,
			writer,
			bus,
			archive,
			publisher,
			clk,
			worker.Config{
				SiteConcurrency: cfg.Crawler.SiteConcurrency,
				Topic:           cfg.PubSub.TopicName,
			},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatcher = dispatcher.New(a.queue, runners...)

	a.engine = engine.New(tasks, a.queue, bus, exports, uuid.New(), clk, engine.Config{
		DefaultDepth:    cfg.Crawler.MaxDepthDefault,
		MaxURLs:         cfg.Scrape.MaxURLs,
		Retention:       cfg.Tasks.Retention,
		JanitorInterval: cfg.Tasks.JanitorInterval,
	}, logger.Named("engine"), engine.WithRemoveHook(promSink.Forget))

	a.server = api.NewServer(a.engine, cfg.Auth, logger.Named("api"),
		api.WithReadinessCheck("workers", a.readiness),
	)

	ok = true
	return a, nil
}

func (a *App) buildExportStore(ctx context.Context, o options) (crawler.ExportStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		a.logger.Info("using in-memory export storage")
		return memstore.NewBlobStore(), nil
	case config.StorageGCS:
		store, err := gcs.Connect(ctx, o.gcsFactory, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using gcs export storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		a.logger.Info("using local export storage", zap.String("dir", a.cfg.Storage.LocalDir))
		return store, nil
	}
}

// The returned interfaces stay nil when a backend is disabled so the worker
// can skip it.
func (a *App) buildArchive(ctx context.Context, o options) (crawler.Archive, error) {
	if o.archive != nil {
		return o.archive, nil
	}
	if !a.cfg.ArchiveEnabled() {
		return nil, nil
	}
	store, err := postgres.NewArchiveStore(ctx, postgres.Config{
		DSN:          a.cfg.DB.DSN,
		TasksTable:   a.cfg.DB.TasksTable,
		ResultsTable: a.cfg.DB.ResultsTable,
		MaxConns:     a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init task archive: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("archiving finished tasks to postgres", zap.String("table", a.cfg.DB.TasksTable))
	return store, nil
}

func (a *App) buildPublisher(ctx context.Context, o options) (crawler.Publisher, error) {
	if o.publisher != nil {
		return o.publisher, nil
	}
	if !a.cfg.NoticesEnabled() {
		return nil, nil
	}
	pub, err := pubsubpublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("publishing task notices", zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

// Engine exposes the task engine for in-process callers such as the CLI.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func (a *App) readiness(context.Context) error {
	if !a.ready.Load() {
		return errors.New("workers not running")
	}
	return nil
}

// Start launches the worker pool and the retention janitor. They run until
// Close.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.drained = make(chan struct{})
	a.janitor = make(chan struct{})
	go func() {
		defer close(a.drained)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatcher.Size()))
		a.dispatcher.Run(runCtx)
	}()
	go func() {
		defer close(a.janitor)
		a.engine.RunJanitor(runCtx)
	}()
	a.ready.Store(true)
}

// Serve starts background work, listens on the configured port and blocks
// until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	a.ready.Store(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close services", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return serveErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close stops accepting work, lets running tasks finish until ctx expires,
// then cancels them and releases backends. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		a.ready.Store(false)
		a.queue.Close()
		if a.cancel != nil {
			select {
			case <-a.drained:
			case <-ctx.Done():
				a.logger.Warn("workers did not drain before deadline; canceling tasks")
			}
			a.cancel()
			<-a.drained
			<-a.janitor
		}
		err = a.runClosers(ctx)
	})
	return err
}

func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
