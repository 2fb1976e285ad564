// Package server builds the manager and its optional backends from config
// and tears them down again.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/api"
	"github.com/JakeFAU/multigroup-scraper/internal/apify"
	"github.com/JakeFAU/multigroup-scraper/internal/clock/system"
	"github.com/JakeFAU/multigroup-scraper/internal/config"
	"github.com/JakeFAU/multigroup-scraper/internal/extractor"
	"github.com/JakeFAU/multigroup-scraper/internal/manager"
	"github.com/JakeFAU/multigroup-scraper/internal/metrics"
	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/multigroup-scraper/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/multigroup-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
	gcsstorage "github.com/JakeFAU/multigroup-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/multigroup-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/multigroup-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/multigroup-scraper/internal/storage/postgres"
	"github.com/JakeFAU/multigroup-scraper/internal/telemetry"
)

// App owns the manager and every resource built for it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	manager   *manager.Manager
	results   *memorystorage.ResultStore
	apiServer *api.Server

	progressHub  *progress.Hub
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	resultStore  *pgstore.ResultStore
	tracing      telemetry.ShutdownFunc
}

// Options lets callers and tests replace pieces of the build.
type Options struct {
	// ExtractorFactory replaces the chromedp factory.
	ExtractorFactory scraper.ExtractorFactory
	// Fallback replaces the Apify fallback.
	Fallback scraper.Fallback
	// Registry collects metrics (default: a fresh registry with Go and
	// process collectors).
	Registry *prometheus.Registry
	// ManagerOptions are appended after the built options.
	ManagerOptions []manager.Option
}

// Build creates the application's dependencies. Optional backends are only
// built when configured; a failure to build one that is configured is fatal.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: opts.Registry,
		results:  memorystorage.NewResultStore(),
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()
	if app.registry == nil {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	app.logger.Info("building application dependencies",
		zap.Int("groups", len(cfg.Groups)),
		zap.Int("max_parallel_groups", cfg.Scraper.MaxParallelGroups),
	)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracing = shutdownTracing

	factory := opts.ExtractorFactory
	if factory == nil {
		factory = extractor.Factory{Logger: logger.Named("extractor")}
	}
	mopts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithExtractorFactory(factory),
		manager.WithResultRecorder(app.results),
	}

	store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("local message store init failed: %w", err)
	}
	mopts = append(mopts, manager.WithMessageStore(store))

	mopts = append(mopts, setupFallback(app, opts.Fallback)...)

	mirror, err := setupMirror(ctx, app)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		mopts = append(mopts, manager.WithMirrorStore(mirror))
	}

	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if app.resultStore != nil {
		mopts = append(mopts,
			manager.WithResultRecorder(app.resultStore),
			manager.WithRunRecorder(app.resultStore),
		)
	}

	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if app.publisher != nil {
		mopts = append(mopts, manager.WithPublisher(app.publisher, cfg.PubSub.TopicName))
	}

	if err := setupProgress(ctx, app); err != nil {
		return nil, err
	}
	mopts = append(mopts, manager.WithProgress(app.progressHub))
	mopts = append(mopts, opts.ManagerOptions...)

	app.manager, err = manager.New(
		cfg.GroupConfigs(),
		cfg.ScraperSettings(),
		cfg.FallbackSettings(),
		cfg.AIOptions(),
		mopts...,
	)
	if err != nil {
		return nil, err
	}

	if err := setupAPI(app); err != nil {
		return nil, err
	}
	built = true
	return app, nil
}

// Manager returns the built manager.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Registry returns the metrics registry served on /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Run executes one pass over every group. The status server, when
// configured, serves for the duration of the run.
func (a *App) Run(ctx context.Context, limited bool) ([]scraper.GroupResult, error) {
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(serveCtx, a.cfg.Status.Addr); err != nil {
				a.logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	// Stop everything, including live browser sessions, as soon as ctx ends.
	stopWatch := context.AfterFunc(ctx, a.manager.StopAll)
	defer stopWatch()

	if limited {
		return a.manager.RunLimitedParallel(ctx)
	}
	return a.manager.RunAllGroups(ctx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.resultStore != nil {
		a.resultStore.Close()
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

func setupFallback(app *App, override scraper.Fallback) []manager.Option {
	fb := app.cfg.FallbackSettings()
	client := apify.New(apify.Config{
		BaseURL:        app.cfg.Fallback.BaseURL,
		TokenEnv:       fb.TokenEnv,
		RequestsPerSec: app.cfg.Fallback.RequestsPerSec,
		Logger:         app.logger.Named("apify"),
	})
	opts := make([]manager.Option, 0, 2)
	if override != nil {
		opts = append(opts, manager.WithFallback(override))
	} else if fb.Active() {
		// A missing token only fails the fallback attempt, but operators
		// should hear about it before the run starts.
		if _, err := client.Token(fb.TokenEnv); err != nil {
			app.logger.Warn("apify fallback enabled without a token", zap.Error(err))
		}
		opts = append(opts, manager.WithFallback(apify.NewFallback(client, fb, system.New(), app.logger.Named("fallback"))))
		app.logger.Info("apify fallback enabled", zap.String("actor_id", fb.ActorID))
	} else {
		app.logger.Info("apify fallback disabled")
	}
	if hasDatasets(app.cfg.GroupConfigs()) {
		opts = append(opts, manager.WithDatasetPusher(client))
	}
	return opts
}

func hasDatasets(groups []scraper.GroupConfig) bool {
	for _, g := range groups {
		if g.ApifyDatasetID != "" {
			return true
		}
	}
	return false
}

func setupMirror(ctx context.Context, app *App) (scraper.MessageStore, error) {
	if app.cfg.Storage.GCSBucket == "" {
		return nil, nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	mirror, err := gcsstorage.New(app.storage, gcsstorage.Config{
		Bucket: app.cfg.Storage.GCSBucket,
		Prefix: app.cfg.Storage.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs message store init failed: %w", err)
	}
	app.logger.Info("mirroring messages to GCS", zap.String("bucket", app.cfg.Storage.GCSBucket))
	return mirror, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Debug("no DSN specified for database, skipping run history")
		return nil
	}
	var err error
	app.resultStore, err = pgstore.NewResultStore(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		RunsTable:       app.cfg.DB.RunsTable,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(app.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	app.logger.Info("result store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Debug("no Pub/Sub topic configured, skipping notifications")
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher, err = gcppublisher.NewForTopic(app.pubsubClient, app.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:   app.cfg.Progress.BufferSize,
		MaxBatchWait: time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:  time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func setupAPI(app *App) error {
	if app.cfg.Status.Addr == "" {
		return nil
	}
	httpMetrics, err := metrics.NewHTTP(app.registry)
	if err != nil {
		return fmt.Errorf("http metrics init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.manager, app.results, api.Options{
		APIKey:      app.cfg.Status.APIKey,
		Gatherer:    app.registry,
		HTTPMetrics: httpMetrics,
		Logger:      app.logger.Named("api"),
	})
	return nil
}
