// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/outreach-daemon/internal/api"
	"github.com/JakeFAU/outreach-daemon/internal/clock/system"
	"github.com/JakeFAU/outreach-daemon/internal/collab/dryrun"
	"github.com/JakeFAU/outreach-daemon/internal/collab/httpaction"
	"github.com/JakeFAU/outreach-daemon/internal/config"
	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/dexscreener"
	"github.com/JakeFAU/outreach-daemon/internal/executor"
	"github.com/JakeFAU/outreach-daemon/internal/export"
	"github.com/JakeFAU/outreach-daemon/internal/httpclient"
	"github.com/JakeFAU/outreach-daemon/internal/id/uuid"
	"github.com/JakeFAU/outreach-daemon/internal/metrics"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/policy/ratelimit"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
	"github.com/JakeFAU/outreach-daemon/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/outreach-daemon/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/outreach-daemon/internal/publisher/pubsub"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
	"github.com/JakeFAU/outreach-daemon/internal/storage/gcs"
	"github.com/JakeFAU/outreach-daemon/internal/storage/local"
	"github.com/JakeFAU/outreach-daemon/internal/storage/memory"
	"github.com/JakeFAU/outreach-daemon/internal/storage/postgres"
	"github.com/JakeFAU/outreach-daemon/internal/storage/sqlite"
	"github.com/JakeFAU/outreach-daemon/internal/store"
	"github.com/JakeFAU/outreach-daemon/internal/telemetry"
)

// defaultTopic names outcome notifications when only an in-memory publisher
// is available.
const defaultTopic = "outreach-outcomes"

// Options tune construction for tests and one-off commands.
type Options struct {
	// Registerer receives the progress collectors. Nil means the default
	// Prometheus registry served at /metrics.
	Registerer prometheus.Registerer
	// IgnoreActiveHours lets a forced single cycle run outside the window.
	IgnoreActiveHours bool
	// HTTPClient replaces both the retrying feed client and the plain
	// collaborator client.
	HTTPClient *http.Client
}

// App holds all the shared, long-lived services for the application.
// It is built once per command from a validated Config and closed when the
// command returns.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    store.Store
	clock    *system.Clock
	daemon   *daemon.Daemon
	server   *api.Server
	loc      *time.Location
	blobs    outreach.BlobStore
	closers  []func(context.Context) error
	draining bool
}

// New creates and initializes the application services. It fails fast if any
// critical service cannot be initialized and releases whatever it already
// opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New(), loc: loc}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Driver),
		zap.String("collaborator", cfg.Collaborator.Mode),
	)

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
	}

	engine, err := scoring.New(cfg.ScoringConfig())
	if err != nil {
		return nil, fmt.Errorf("build scoring engine: %w", err)
	}
	storeCfg := store.Config{Rules: cfg.Rules(engine), Location: loc}
	if err := a.openStore(ctx, storeCfg); err != nil {
		return nil, err
	}

	rlCfg, err := cfg.RateLimitConfig()
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(rlCfg)
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	// Feed calls are idempotent GETs and may be retried; collaborator actions
	// must not be, or a message could be sent twice.
	feedHTTP, actionHTTP := opts.HTTPClient, opts.HTTPClient
	if feedHTTP == nil {
		feedHTTP = httpclient.New(httpclient.Config{
			RetryMax: cfg.Feed.DEXScreener.RetryMax,
			Timeout:  cfg.Feed.DEXScreener.Timeout,
		}, logger)
		actionHTTP = &http.Client{}
	}
	var (
		feed     outreach.Feed
		enricher outreach.Enricher
	)
	if dc := cfg.Feed.DEXScreener; dc.Enabled {
		dexCfg := dexscreener.Config{
			BaseURL:      dc.BaseURL,
			Chain:        dc.Chain,
			RPS:          dc.RPS,
			Timeout:      dc.Timeout,
			MinLiquidity: dc.MinLiquidity,
			MinVolume24h: dc.MinVolume24h,
			MaxAgeHours:  dc.MaxAgeHours,
		}
		client, err := dexscreener.NewClient(dexCfg, feedHTTP, logger)
		if err != nil {
			return nil, fmt.Errorf("build dexscreener client: %w", err)
		}
		feed = dexscreener.NewFeed(client, dc.Chain)
		enricher = dexscreener.NewEnricher(client, dexCfg, a.clock)
		logger.Info("dexscreener feed enabled", zap.String("chain", dc.Chain))
	} else {
		logger.Info("no candidate feed configured; only stored entities will progress")
	}

	actions, err := a.actionClient(actionHTTP)
	if err != nil {
		return nil, err
	}
	exec := executor.New(actions, enricher, executor.Config{Timeout: cfg.Daemon.ActionTimeout}, logger)

	hub, err := a.progressHub(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}

	dcfg, err := cfg.DaemonConfig()
	if err != nil {
		return nil, err
	}
	dcfg.IgnoreActiveHours = opts.IgnoreActiveHours
	d, err := daemon.New(daemon.Deps{
		Store:    a.store,
		Feed:     feed,
		Executor: exec,
		Limiter:  limiter,
		Clock:    a.clock,
		Sleeper:  a.clock,
		IDs:      uuid.New(),
		Events:   hub,
	}, dcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build daemon: %w", err)
	}
	a.daemon = d

	a.server = api.NewServer(a.store, d, a.clock, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Location:    loc,
	}, logger)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) openStore(ctx context.Context, storeCfg store.Config) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pg := a.cfg.Store.Postgres
		st, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		}, storeCfg)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.store = st
	case config.DriverSQLite:
		st, err := sqlite.Open(a.cfg.Store.SQLitePath, storeCfg)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = st
	default:
		a.logger.Warn("using in-memory store; state is lost on exit")
		a.store = memory.NewStore(storeCfg)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	return nil
}

func (a *App) actionClient(httpClient *http.Client) (outreach.ActionClient, error) {
	cc := a.cfg.Collaborator
	if cc.Mode != config.ModeHTTP {
		return dryrun.New(cc.MessageTemplate, a.logger), nil
	}
	client, err := httpaction.New(httpaction.Config{
		BaseURL:         cc.BaseURL,
		APIKey:          cc.APIKey,
		MessageTemplate: cc.MessageTemplate,
		Timeout:         cc.Timeout,
	}, httpClient, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build action client: %w", err)
	}
	return client, nil
}

func (a *App) progressHub(ctx context.Context, reg prometheus.Registerer) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("register progress collectors: %w", err)
	}

	ps := a.cfg.PubSub
	var (
		pub   outreach.Publisher
		topic = ps.Topic
	)
	if ps.ProjectID != "" {
		p, client, err := pubsubpublisher.Dial(ctx, ps.ProjectID, ps.Topic)
		if err != nil {
			return nil, fmt.Errorf("dial pubsub: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			p.Stop()
			return client.Close()
		})
		pub = p
		a.logger.Info("publishing outcomes to pubsub", zap.String("topic", ps.Topic))
	} else {
		pub = memorypublisher.NewBounded(1000)
		topic = defaultTopic
	}
	outcomes := make([]outreach.OutcomeClass, 0, len(ps.Outcomes))
	for _, o := range ps.Outcomes {
		outcomes = append(outcomes, outreach.OutcomeClass(o))
	}
	pubSink, err := sinks.NewPublisherSink(pub, topic, outcomes...)
	if err != nil {
		return nil, err
	}

	hub := progress.NewHub(progress.Config{Logger: a.logger},
		sinks.NewLogSink(a.logger),
		promSink,
		pubSink,
	)
	// The hub must drain before the publisher it feeds is stopped.
	a.closers = append(a.closers, hub.Close)
	return hub, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store exposes the entity store.
func (a *App) Store() store.Store {
	return a.store
}

// Status reports what the in-process daemon is doing.
func (a *App) Status() daemon.Status {
	return a.daemon.Status()
}

// Once recovers and runs a single cycle.
func (a *App) Once(ctx context.Context) (daemon.Report, error) {
	return a.daemon.Once(ctx)
}

// Run drives the daemon and the operator API together. When the daemon exits
// on its own (session ceiling reached) the API is shut down as well.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.daemon.Run(gctx)
	})
	g.Go(func() error {
		return a.Serve(gctx)
	})
	return g.Wait()
}

// Handler returns the operator API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Now reads the system clock.
func (a *App) Now() time.Time {
	return a.clock.Now()
}

// Location is the timezone that defines active hours and calendar days.
func (a *App) Location() *time.Location {
	return a.loc
}

// Snapshot writes a CSV export of every entity to the configured blob store,
// GCS when a bucket is set and the local export directory otherwise.
func (a *App) Snapshot(ctx context.Context) (string, int, error) {
	if a.blobs == nil {
		if err := a.openBlobs(ctx); err != nil {
			return "", 0, err
		}
	}
	return export.New(a.store, a.blobs, a.clock, a.cfg.Export.Prefix, a.logger).Snapshot(ctx)
}

func (a *App) openBlobs(ctx context.Context) error {
	ec := a.cfg.Export
	if ec.GCSBucket != "" {
		bs, client, err := gcs.Dial(ctx, gcs.Config{Bucket: ec.GCSBucket})
		if err != nil {
			return fmt.Errorf("open gcs bucket: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.blobs = bs
		return nil
	}
	bs, err := local.New(local.Config{BaseDir: ec.LocalDir})
	if err != nil {
		return fmt.Errorf("open export dir: %w", err)
	}
	a.blobs = bs
	return nil
}

// Serve runs the operator API until ctx is cancelled. It returns nil when the
// server is disabled.
func (a *App) Serve(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	return nil
}

// Close gracefully shuts down all services in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	if a.draining {
		return
	}
	a.draining = true
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
