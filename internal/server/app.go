// Package server builds the application's dependencies from configuration and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/api"
	"github.com/JakeFAU/pagetest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/pagetest-orchestrator/internal/config"
	"github.com/JakeFAU/pagetest-orchestrator/internal/engine"
	"github.com/JakeFAU/pagetest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/pagetest-orchestrator/internal/normalize"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
	"github.com/JakeFAU/pagetest-orchestrator/internal/policy/gate"
	"github.com/JakeFAU/pagetest-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/pagetest-orchestrator/internal/poller"
	"github.com/JakeFAU/pagetest-orchestrator/internal/provider"
	gcppublisher "github.com/JakeFAU/pagetest-orchestrator/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/pagetest-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagetest-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagetest-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagetest-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/pagetest-orchestrator/internal/storage/redis"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     pagetest.Clock
	limiter   *ratelimit.Limiter
	engine    *engine.Engine
	apiServer *api.Server
	checks    map[string]api.Checker

	redis     *goredis.Client
	results   *pgstore.ResultStore
	blobs     *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
}

// pingFunc adapts a function to api.Checker.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Build creates the application's dependencies. Resources opened before a failure are closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: map[string]api.Checker{},
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Strings("transports", cfg.Provider.Transports),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	client, err := setupProvider(app)
	if err != nil {
		return nil, err
	}
	store, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	recent := setupRecent(app)
	auditor, err := setupAuditor(app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupBlobs(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	metricsNormalizer, err := normalize.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics normalizer init failed: %w", err)
	}
	lighthouseNormalizer, err := normalize.NewLighthouse()
	if err != nil {
		return nil, fmt.Errorf("lighthouse normalizer init failed: %w", err)
	}

	deps := engine.Deps{
		Client:     client,
		Store:      store,
		Gate:       gate.New(cfg.Gate.Capacity),
		Metrics:    metricsNormalizer,
		Lighthouse: lighthouseNormalizer,
		Blobs:      blobs,
		Cooldown:   app.limiter,
		Clock:      app.clock,
		IDs:        uuid.New(),
		Logger:     logger.Named("engine"),
	}
	// Typed nils must not leak into the optional interfaces.
	if archive != nil {
		deps.Archive = archive
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if recent != nil {
		deps.Recent = recent
	}
	lighthousePoll := pollConfig(cfg.Lighthouse.PollConfig)
	if auditor != nil {
		deps.Auditor = auditor
		// One audit is one slow request; it must fit inside a single attempt.
		if lighthousePoll.AttemptTimeout > 0 && lighthousePoll.AttemptTimeout < cfg.Lighthouse.PageSpeed.Timeout {
			lighthousePoll.AttemptTimeout = cfg.Lighthouse.PageSpeed.Timeout
		}
	}
	app.engine, err = engine.New(deps, engine.Config{
		Metrics:           pollConfig(cfg.Poll),
		Lighthouse:        lighthousePoll,
		LighthouseEnabled: cfg.Lighthouse.Enabled,
		Topic:             cfg.PubSub.Topic,
		ReportPrefix:      cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.engine, app.clock, api.Options{
		Auth:           cfg.Auth,
		RequestTimeout: cfg.Server.WriteTimeout,
		Checks:         app.checks,
	}, logger)
	return app, nil
}

// Engine exposes the orchestration engine, for callers that skip the HTTP surface.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and sweeps the status store until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.engine.StartSweeper(ctx, a.cfg.Store.SweepInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops every tracked job and releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.engine != nil {
		if shutdownErr := a.engine.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("engine shutdown incomplete", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.blobs = nil
	}
	if a.results != nil {
		a.results.Close()
		a.results = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redis = nil
	}
}

func setupProvider(app *App) (*provider.Client, error) {
	cfg := app.cfg
	app.limiter = ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		Budget:      cfg.RateLimit.Budget,
		MinInterval: cfg.RateLimit.MinInterval,
		Cooldown:    cfg.RateLimit.Cooldown,
		Logger:      app.logger.Named("ratelimit"),
	})

	transports := make([]provider.Transport, 0, len(cfg.Provider.Transports))
	for _, name := range cfg.Provider.Transports {
		httpCfg := provider.HTTPConfig{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			UserAgent: cfg.Provider.UserAgent,
			Timeout:   cfg.Provider.Timeout,
		}
		switch name {
		case "pro":
			transports = append(transports, provider.NewProTransport(httpCfg))
		case "legacy":
			httpCfg.BaseURL = cfg.Provider.LegacyBaseURL
			transports = append(transports, provider.NewLegacyTransport(httpCfg))
		default:
			return nil, fmt.Errorf("unknown provider transport %q", name)
		}
	}

	client, err := provider.New(provider.Config{
		Transports:    transports,
		Limiter:       app.limiter,
		ResultBaseURL: cfg.Provider.ResultBaseURL,
		Options: provider.Options{
			Runs:       cfg.Provider.Runs,
			Location:   cfg.Provider.Location,
			Lighthouse: cfg.Lighthouse.Enabled && cfg.Lighthouse.Source != config.SourcePageSpeed,
			Video:      cfg.Provider.Video,
			Mobile:     cfg.Provider.Mobile,
		},
		Logger: app.logger.Named("provider"),
	})
	if err != nil {
		return nil, fmt.Errorf("provider client init failed: %w", err)
	}
	app.logger.Info("provider client initialized",
		zap.String("base_url", cfg.Provider.BaseURL),
		zap.Int("rate_budget", cfg.RateLimit.Budget),
		zap.Duration("rate_window", cfg.RateLimit.Window),
	)
	return client, nil
}

func setupStore(ctx context.Context, app *App) (pagetest.StatusStore, error) {
	cfg := app.cfg.Store
	switch cfg.Backend {
	case config.BackendRedis:
		app.redis = redisstore.NewClient(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := redisstore.NewStatusStore(app.redis, cfg.Redis.Prefix, cfg.Retention)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis status store init failed: %w", err)
		}
		app.checks["store"] = store
		app.logger.Info("using redis status store", zap.String("addr", cfg.Redis.Addr), zap.Duration("retention", cfg.Retention))
		return store, nil
	default:
		app.logger.Info("using in-memory status store", zap.Duration("retention", cfg.Retention))
		return memorystorage.NewStatusStore(cfg.Retention, app.clock.Now), nil
	}
}

// setupRecent picks the URL reuse cache, sharing Redis with the status store when it is used.
func setupRecent(app *App) pagetest.RecentJobs {
	window := app.cfg.Store.ReuseWindow
	if window <= 0 {
		app.logger.Info("recent job reuse disabled")
		return nil
	}
	app.logger.Info("reusing recent jobs per url", zap.Duration("window", window))
	if app.redis != nil {
		return redisstore.NewRecentJobs(app.redis, "", window)
	}
	return memorystorage.NewRecentJobs(window, app.clock.Now)
}

// setupAuditor builds the PageSpeed client when Lighthouse reports come from PageSpeed Insights.
func setupAuditor(app *App) (*provider.PageSpeed, error) {
	cfg := app.cfg.Lighthouse
	if !cfg.Enabled || cfg.Source != config.SourcePageSpeed {
		return nil, nil
	}
	limiter := ratelimit.New(ratelimit.Config{
		MinInterval: cfg.PageSpeed.MinInterval,
		Cooldown:    cfg.PageSpeed.Cooldown,
		Logger:      app.logger.Named("pagespeed.ratelimit"),
	})
	auditor, err := provider.NewPageSpeed(provider.PageSpeedConfig{
		HTTPConfig: provider.HTTPConfig{
			BaseURL:   cfg.PageSpeed.BaseURL,
			APIKey:    cfg.PageSpeed.APIKey,
			UserAgent: app.cfg.Provider.UserAgent,
			Timeout:   cfg.PageSpeed.Timeout,
		},
		Strategy:   cfg.PageSpeed.Strategy,
		Categories: cfg.PageSpeed.Categories,
		Limiter:    limiter,
		Logger:     app.logger.Named("pagespeed"),
	})
	if err != nil {
		return nil, fmt.Errorf("pagespeed client init failed: %w", err)
	}
	app.logger.Info("lighthouse reports from PageSpeed Insights",
		zap.String("strategy", cfg.PageSpeed.Strategy),
		zap.Strings("categories", cfg.PageSpeed.Categories),
	)
	return auditor, nil
}

func setupArchive(ctx context.Context, app *App) (*pgstore.ResultStore, error) {
	cfg := app.cfg.Database
	if cfg.DSN == "" {
		app.logger.Warn("no DSN specified for database, completed results will not be archived")
		return nil, nil
	}
	results, err := pgstore.NewResultStore(ctx, pgstore.ResultStoreConfig{
		DSN:             cfg.DSN,
		Table:           cfg.Table,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("result store init failed: %w", err)
	}
	app.results = results
	app.checks["archive"] = results
	app.logger.Info("result store initialized", zap.String("table", cfg.Table))
	return results, nil
}

func setupBlobs(ctx context.Context, app *App) (pagetest.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using GCS report storage", zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local report storage", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("lighthouse report archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (*gcppublisher.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.Topic == "" || cfg.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, completion events are disabled")
		return nil, nil
	}
	client, err := gcppublisher.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client)
	app.publisher = publisher
	topic := cfg.Topic
	app.checks["pubsub"] = pingFunc(func(ctx context.Context) error {
		return publisher.CheckTopic(ctx, topic)
	})
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return publisher, nil
}

func pollConfig(p config.PollConfig) poller.Config {
	return poller.Config{
		WarmUp:         p.WarmUp,
		Interval:       p.Interval,
		Backoff:        p.Backoff,
		MaxInterval:    p.MaxInterval,
		MaxAttempts:    p.MaxAttempts,
		MaxMalformed:   p.MaxMalformed,
		MaxTransport:   p.MaxTransport,
		AttemptTimeout: p.AttemptTimeout,
		Deadline:       p.Deadline,
	}
}
