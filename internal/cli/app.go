package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/recast/internal/config"
	"github.com/roach88/recast/internal/dedup"
	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/events"
	"github.com/roach88/recast/internal/lease"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/publish"
	"github.com/roach88/recast/internal/ranking"
	"github.com/roach88/recast/internal/store"
)

// app is the wired pipeline behind every command that touches the queue.
type app struct {
	cfg      config.Config
	logger   logging.Logger
	store    *store.Store
	registry *publish.Registry
	executor *engine.Executor
	runner   *engine.Runner
	ranker   *ranking.Ranker
	retry    *engine.RetryPolicy
	metrics  *events.Metrics
	gatherer prometheus.Gatherer
	// version is the config snapshot version.
	version string
	// runTimeout bounds one scheduled run and sizes the run lease.
	runTimeout time.Duration

	closers []func() error
}

type appOption func(*appSettings)

type appSettings struct {
	now        func() time.Time
	publishers map[model.Platform]publish.Publisher
}

// withClock pins every component to the same time source.
func withClock(now func() time.Time) appOption {
	return func(s *appSettings) {
		s.now = now
	}
}

// withPublisher replaces the relay publisher of platform.
func withPublisher(platform model.Platform, p publish.Publisher) appOption {
	return func(s *appSettings) {
		s.publishers[platform] = p
	}
}

// openStore opens the configured database.
func openStore(cfg config.Config) (*store.Store, error) {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return s, nil
}

// newApp builds the store, publishers, sinks, lease and pipeline from cfg.
func newApp(ctx context.Context, cfg config.Config, logger logging.Logger, opts ...appOption) (_ *app, err error) {
	settings := appSettings{now: time.Now, publishers: map[model.Platform]publish.Publisher{}}
	for _, opt := range opts {
		opt(&settings)
	}
	clock := engine.ClockFunc(settings.now)

	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load timezone", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = events.NewMetrics(reg)
	a.gatherer = reg

	sinks := events.Fanout{events.NewLogSink(logger), a.metrics}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "configure kafka sink", err)
		}
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
	}

	a.registry = publish.NewRegistry()
	for _, p := range cfg.EnabledPlatforms() {
		pub, ok := settings.publishers[p]
		if !ok {
			pc := cfg.Platforms[string(p)]
			pub = publish.NewHTTPPublisher(p, publish.HTTPConfig{
				Endpoint:   pc.Endpoint,
				Token:      pc.Token,
				MaxRetries: 2,
			})
		}
		guard := publish.DefaultGuardConfig()
		guard.Timeout = cfg.Executor.PublishTimeout
		guard.Logger = logger
		a.registry.Register(p, publish.NewGuard(p, pub, guard))
	}

	checker := dedup.New(a.store,
		dedup.WithNow(settings.now),
		dedup.WithOptions(dedup.Options{
			SizeTolerance:       cfg.Dedup.SizeTolerance,
			DurationTolerance:   cfg.Dedup.DurationTolerance,
			ConfidenceThreshold: cfg.Dedup.ConfidenceThreshold,
		}),
	)
	a.ranker = ranking.NewRanker(a.store, checker, ranking.Config{
		TopK:         cfg.Ranking.TopK,
		CooldownDays: cfg.CooldownDays,
		Spacing:      cfg.Ranking.Spacing,
		Platforms:    cfg.EnabledPlatforms(),
	}, ranking.WithNow(settings.now), ranking.WithLogger(logger))

	a.runTimeout = max(cfg.Lease.TTL, engine.RunBudget(cfg.Executor.BatchSize, cfg.Executor.PublishTimeout))

	a.executor = engine.NewExecutor(a.store, a.registry, engine.Config{
		BatchSize:           cfg.Executor.BatchSize,
		Concurrency:         cfg.Executor.Concurrency,
		MaxPostsPerDay:      cfg.Limits.MaxPostsPerDay,
		MaxPostsPerPlatform: cfg.Limits.MaxPostsPerPlatform,
		Location:            loc,
		PublishTimeout:      cfg.Executor.PublishTimeout,
		StaleAfter:          a.runTimeout + engine.OutcomeTimeout,
	},
		engine.WithClock(clock),
		engine.WithSink(sinks),
		engine.WithObserver(a.metrics),
		engine.WithLogger(logger),
	)

	leaser, err := a.newLeaser(ctx, clock)
	if err != nil {
		return nil, err
	}

	var ranker engine.Ranker
	if cfg.Ranking.Enabled {
		ranker = a.ranker
	}
	a.runner = engine.NewRunner(ranker, a.executor, leaser, engine.RunnerConfig{
		LeaseTTL: a.runTimeout,
	},
		engine.WithEnqueueObserver(a.metrics),
		engine.WithRunnerLogger(logger),
	)

	a.retry = engine.NewRetryPolicy(a.store, engine.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	},
		engine.WithRetryClock(clock),
		engine.WithRetryLogger(logger),
	)
	return a, nil
}

func (a *app) newLeaser(ctx context.Context, clock engine.Clock) (engine.Leaser, error) {
	switch a.cfg.Lease.Backend {
	case config.LeaseRedis:
		client, err := lease.NewClient(ctx, lease.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "connect to redis", err)
		}
		a.closers = append(a.closers, client.Close)
		return lease.NewRedisLeaser(client), nil
	case config.LeaseSQLite, "":
		return engine.NewStoreLeaser(a.store, clock), nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown lease backend %q", a.cfg.Lease.Backend))
	}
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// setup loads config, builds the logger and wires the app for one command.
func (o *RootOptions) setup(ctx context.Context, w io.Writer) (*app, error) {
	snap, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(snap.Config, w)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("config_version", snap.Version)
	opts := append([]appOption{withClock(o.now)}, o.appOpts...)
	a, err := newApp(ctx, snap.Config, logger, opts...)
	if err != nil {
		return nil, err
	}
	a.version = snap.Version
	return a, nil
}
