// Package app wires configuration into the long-lived harvester services and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/api"
	"github.com/JakeFAU/postharvest/internal/archive"
	"github.com/JakeFAU/postharvest/internal/classify"
	"github.com/JakeFAU/postharvest/internal/clock/system"
	"github.com/JakeFAU/postharvest/internal/config"
	"github.com/JakeFAU/postharvest/internal/credential"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/hash/sha256"
	"github.com/JakeFAU/postharvest/internal/id/uuid"
	"github.com/JakeFAU/postharvest/internal/ingest"
	"github.com/JakeFAU/postharvest/internal/invoker"
	"github.com/JakeFAU/postharvest/internal/normalize"
	"github.com/JakeFAU/postharvest/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/postharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/postharvest/internal/quota"
	"github.com/JakeFAU/postharvest/internal/remote"
	"github.com/JakeFAU/postharvest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/postharvest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/postharvest/internal/storage/local"
	memorystorage "github.com/JakeFAU/postharvest/internal/storage/memory"
	pgstore "github.com/JakeFAU/postharvest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/postharvest/internal/storage/sqlite"
	"github.com/JakeFAU/postharvest/internal/strategy"
	"github.com/JakeFAU/postharvest/internal/telemetry"
)

const (
	serviceName     = "postharvest"
	shutdownTimeout = 10 * time.Second
)

// Version is stamped into trace resources. Overridden at link time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	ledger    *quota.Ledger
	pool      *credential.Pool
	invoker   *invoker.Invoker
	store     harvest.Store
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	pgStore        *pgstore.RecordStore
	sqliteStore    *sqlitestore.RecordStore
	gcsStore       *gcsstorage.BlobStore
	publisher      *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

type options struct {
	client    harvest.RemoteClient
	publisher harvest.Publisher
	clock     harvest.Clock
	sleep     harvest.SleepFunc
}

// Option customizes Build.
type Option func(*options)

// WithRemoteClient replaces the HTTP API client.
func WithRemoteClient(c harvest.RemoteClient) Option {
	return func(o *options) { o.client = c }
}

// WithPublisher replaces the Pub/Sub publisher for record notifications.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithClock overrides the clock shared by every component.
func WithClock(c harvest.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSleep overrides how backoff and inter-target delays wait.
func WithSleep(fn harvest.SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: system.New(), sleep: system.Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(ctx)
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, serviceName, Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.Int("credentials", len(cfg.Credentials)),
	)

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	archiver, err := setupArchive(ctx, app, o.clock)
	if err != nil {
		return nil, err
	}
	publisher := o.publisher
	if publisher == nil {
		if err = setupPublisher(ctx, app); err != nil {
			return nil, err
		}
		if app.publisher != nil {
			publisher = app.publisher
		}
	}

	if err = setupInvoker(app, o); err != nil {
		return nil, err
	}

	client := o.client
	if client == nil {
		client, err = remote.New(remote.Config{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout,
			UserAgent: cfg.Remote.UserAgent,
		}, logger, remote.WithClock(o.clock))
		if err != nil {
			return nil, fmt.Errorf("remote client init failed: %w", err)
		}
	}

	normalizer, err := normalize.New(classify.NewDefault(), o.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}
	var ingestOpts []ingest.Option
	if archiver != nil {
		ingestOpts = append(ingestOpts, ingest.WithArchiver(archiver))
	}
	if publisher != nil {
		ingestOpts = append(ingestOpts, ingest.WithPublisher(publisher))
	}
	pipeline, err := ingest.New(normalizer, app.store, ingest.Config{RefreshDuplicates: cfg.Ingest.RefreshDuplicates},
		logger.Named("ingest"), ingestOpts...)
	if err != nil {
		return nil, fmt.Errorf("ingest pipeline init failed: %w", err)
	}

	strategies, err := buildStrategies(cfg, strategy.Deps{
		Invoker:  app.invoker,
		Client:   client,
		Ingester: pipeline,
		IDs:      uuid.New(),
		Clock:    o.clock,
		Sleep:    o.sleep,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if app.scheduler, err = setupScheduler(app, strategies, o.clock); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Ledger:      app.ledger,
		Credentials: app.pool,
		Penalties:   app.invoker,
		Jobs:        app.scheduler,
		Ready:       app.ready,
	}, cfg, logger)

	return app, nil
}

func setupStore(ctx context.Context, app *App) (harvest.Store, error) {
	cfg := app.cfg.Storage
	switch cfg.Driver {
	case config.StoragePostgres:
		store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		app.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("record store schema failed: %w", err)
		}
		app.logger.Info("using postgres record store", zap.String("table", cfg.Table))
		return store, nil
	case config.StorageSQLite:
		store, err := sqlitestore.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		app.sqliteStore = store
		app.logger.Info("using sqlite record store", zap.String("table", cfg.Table))
		return store, nil
	default:
		app.logger.Warn("using in-memory record store; records are lost on exit")
		return memorystorage.NewRecordStore(), nil
	}
}

func setupArchive(ctx context.Context, app *App, clock harvest.Clock) (*archive.Archiver, error) {
	cfg := app.cfg.Archive
	var blobs harvest.BlobStore
	switch cfg.Driver {
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsStore, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobs = app.gcsStore
		app.logger.Info("archiving raw pages to GCS", zap.String("bucket", cfg.GCSBucket))
	case config.ArchiveLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		app.logger.Info("archiving raw pages to local disk", zap.String("path", cfg.BaseDir))
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
		app.logger.Info("archiving raw pages in memory")
	default:
		app.logger.Info("raw page archiving disabled")
		return nil, nil
	}
	archiver, err := archive.New(blobs, sha256.New(), clock, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if !cfg.Enabled() {
		app.logger.Info("no Pub/Sub topic configured, record notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return nil
}

func setupInvoker(app *App, o options) error {
	cfg := app.cfg
	windows := make(map[string]quota.Window, len(cfg.Quota.Categories))
	for name, w := range cfg.Quota.Categories {
		windows[name] = quota.Window{Capacity: w.Capacity, Duration: w.Window}
	}
	ledger, err := quota.New(quota.Config{
		Categories:    windows,
		SafetyBuffer:  cfg.Quota.SafetyBuffer,
		BaseDelay:     cfg.Quota.BaseDelay,
		PerCredential: cfg.Quota.PerCredential,
	}, o.clock)
	if err != nil {
		return fmt.Errorf("quota ledger init failed: %w", err)
	}
	pool, err := credential.NewPool(cfg.HarvestCredentials(), app.logger)
	if err != nil {
		return fmt.Errorf("credential pool init failed: %w", err)
	}
	pacer := ratelimit.New(ratelimit.Config{MinInterval: cfg.Pacer.MinInterval, Burst: cfg.Pacer.Burst})
	inv, err := invoker.New(ledger, pool, invoker.Config{
		MaxRetries:    cfg.Invoker.MaxRetries,
		InitialDelay:  cfg.Invoker.InitialDelay,
		MaxDelay:      cfg.Invoker.MaxDelay,
		Jitter:        cfg.Invoker.Jitter,
		RotateOnError: cfg.Invoker.RotateOnError,
	}, app.logger.Named("invoker"), invoker.WithPacer(pacer), invoker.WithSleep(o.sleep))
	if err != nil {
		return fmt.Errorf("invoker init failed: %w", err)
	}
	app.ledger, app.pool, app.invoker = ledger, pool, inv
	return nil
}

func strategyConfig(sc config.StrategyConfig) strategy.Config {
	return strategy.Config{
		MaxTargetsPerRun:    sc.MaxTargetsPerRun,
		MaxResultsPerTarget: sc.MaxResultsPerTarget,
		MaxPagesPerTarget:   sc.MaxPagesPerTarget,
		InterTargetDelay:    sc.InterTargetDelay,
	}
}

// buildStrategies constructs every enabled strategy in schedule order.
func buildStrategies(cfg config.Config, deps strategy.Deps) ([]strategy.Strategy, error) {
	var out []strategy.Strategy
	add := func(s strategy.Strategy, err error) error {
		if err != nil {
			return fmt.Errorf("strategy init failed: %w", err)
		}
		out = append(out, s)
		return nil
	}
	sc := cfg.Strategies
	if sc.Accounts.Enabled {
		if err := add(strategy.NewAccountSweep(cfg.Targets.Accounts, strategyConfig(sc.Accounts), deps)); err != nil {
			return nil, err
		}
	}
	if sc.Hashtags.Enabled {
		if err := add(strategy.NewHashtagSweep(cfg.Targets.Hashtags, strategyConfig(sc.Hashtags), deps)); err != nil {
			return nil, err
		}
	}
	if sc.Trends.Enabled {
		trends := strategy.TrendConfig{
			Regions:            cfg.Targets.TrendRegions,
			Keywords:           cfg.Targets.TrendKeywords,
			MaxRegionsPerRun:   cfg.Targets.MaxRegionsPerRun,
			MaxTopicsPerRegion: cfg.Targets.MaxTopicsPerRegion,
		}
		if err := add(strategy.NewTrendDiscovery(trends, strategyConfig(sc.Trends), deps)); err != nil {
			return nil, err
		}
	}
	if sc.Search.Enabled {
		if err := add(strategy.NewQuerySweep(cfg.Targets.Queries, strategyConfig(sc.Search), deps)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func setupScheduler(app *App, strategies []strategy.Strategy, clock harvest.Clock) (*scheduler.Scheduler, error) {
	byName := app.cfg.Strategies.ByName()
	jobs := make([]scheduler.Job, 0, len(strategies))
	for _, s := range strategies {
		sc := byName[s.Name()]
		jobs = append(jobs, scheduler.Job{
			Name:    s.Name(),
			Cadence: sc.Cadence,
			Offset:  sc.Offset,
			Run:     s.Run,
		})
	}
	sched, err := scheduler.New(jobs, app.logger, scheduler.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	return sched, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("record store: %w", err)
		}
	}
	return nil
}

// Handler exposes the ops HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler and the ops server and blocks until ctx is
// canceled or the process is signaled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		a.logger.Info("scheduler started")
		schedDone <- a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-schedDone; err != nil {
		a.logger.Error("scheduler stopped with error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Sweep runs one strategy to completion and returns its report.
func (a *App) Sweep(ctx context.Context, name string) (harvest.RunReport, error) {
	report, err := a.scheduler.RunOnce(ctx, name)
	if err != nil {
		return report, fmt.Errorf("sweep %s: %w", name, err)
	}
	return report, nil
}

// Strategies lists the names of the enabled strategies.
func (a *App) Strategies() []string {
	stats := a.scheduler.Stats()
	names := make([]string, 0, len(stats))
	for _, st := range stats {
		names = append(names, st.Name)
	}
	return names
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsStore = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
		a.sqliteStore = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}
