// Package runtime assembles the pipeline service from configuration and
// manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackvz/gitlab-foss/internal/adapters/auth/apikey"
	"github.com/jackvz/gitlab-foss/internal/adapters/policy/basic"
	"github.com/jackvz/gitlab-foss/internal/api/rest"
	"github.com/jackvz/gitlab-foss/internal/chain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
	"github.com/jackvz/gitlab-foss/internal/pkg/safehttp"
	"github.com/jackvz/gitlab-foss/internal/queue"
	"github.com/jackvz/gitlab-foss/internal/repository"
	"github.com/jackvz/gitlab-foss/internal/schedule"
	"github.com/jackvz/gitlab-foss/internal/server"
	"github.com/jackvz/gitlab-foss/internal/service"
	"github.com/jackvz/gitlab-foss/internal/storage/memory"
	"github.com/jackvz/gitlab-foss/internal/storage/partitioning"
	"github.com/jackvz/gitlab-foss/internal/storage/sqldb"
	"github.com/jackvz/gitlab-foss/internal/telemetry"
	"github.com/jackvz/gitlab-foss/internal/workers"
)

// App is the assembled service: HTTP API, background workers and the
// schedule sweep.
type App struct {
	config    ports.ConfigProvider
	store     ports.Store
	ownsStore bool
	logger    *slog.Logger

	cfg       *config.Config
	directory *apikey.Provider
	repos     *repository.Provider
	metrics   *telemetry.Metrics
	service   *service.Service
	workers   *workers.Workers
	runner    *queue.Runner
	server    *server.Server

	mu     sync.Mutex
	closed bool
}

// New loads the configuration and builds every component. Nothing runs
// until Run is called.
func New(ctx context.Context, opts ...Option) (*App, error) {
	a := &App{logger: slog.Default(), ownsStore: true}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}

	cfg, err := a.config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	directory, err := apikey.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	a.directory = directory

	repos, err := repository.LoadProvider(cfg.Projects)
	if err != nil {
		return fmt.Errorf("load repositories: %w", err)
	}
	a.repos = repos

	if a.store == nil {
		store, err := openStore(ctx, cfg.Storage, a.logger)
		if err != nil {
			return err
		}
		a.store = store
	}

	if cfg.Workers.ScheduleCron == "" {
		cfg.Workers.ScheduleCron = workers.DefaultScheduleCron
	}
	workerCron, err := schedule.Parse(cfg.Workers.ScheduleCron, "")
	if err != nil {
		return fmt.Errorf("workers.schedule_cron: %w", err)
	}

	validator, err := newValidator(cfg.Pipelines.ExternalValidation, a.logger)
	if err != nil {
		return err
	}

	a.metrics = telemetry.NewMetrics()
	limiter := basic.NewLimiter()

	svcCfg := service.Config{
		Store:        a.store,
		Directory:    directory,
		Repositories: repos,
		Scheduler:    queue.ProcessScheduler{Queue: a.store},
		Metrics:      a.metrics,
		RateLimiter:  limiter,
		PartitionID:  cfg.Pipelines.PartitionID,
		WorkerCron:   workerCron,
		Logger:       a.logger,
	}
	if validator != nil {
		svcCfg.Validator = validator
	}
	a.service, err = service.New(svcCfg)
	if err != nil {
		return err
	}

	if err := a.buildWorkers(cfg); err != nil {
		return err
	}

	timeout, err := parseDuration(cfg.Server.RequestTimeout, 30*time.Second)
	if err != nil {
		return fmt.Errorf("server.request_timeout: %w", err)
	}
	a.server = server.New(server.Config{
		Port:              cfg.Server.Port,
		Timeout:           timeout,
		Logger:            a.logger,
		Auth:              directory,
		Limiter:           limiter,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		ServiceName:       cfg.Telemetry.ServiceName,
	})
	a.server.Router.Handle("/metrics", a.metrics.Handler())
	a.server.Router.Mount("/", rest.NewServer(a.service, a.logger))
	return nil
}

func (a *App) buildWorkers(cfg *config.Config) error {
	poll, err := parseDuration(cfg.Workers.PollInterval, time.Second)
	if err != nil {
		return fmt.Errorf("workers.poll_interval: %w", err)
	}
	lease, err := parseDuration(cfg.Workers.Lease, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("workers.lease: %w", err)
	}

	var backfill workers.Backfiller
	if cfg.Workers.Backfill {
		sqlStore, ok := a.store.(*sqldb.Store)
		if !ok || !sqlStore.Dialect().SupportsPartitioning() {
			return fmt.Errorf("workers.backfill requires postgres storage")
		}
		backfill, err = partitioning.NewMigrator(sqlStore.DB(), sqlStore.Dialect(), a.store,
			partitioning.WithLogger(a.logger))
		if err != nil {
			return err
		}
	}

	a.workers, err = workers.New(workers.Config{
		Service:      a.service,
		Queue:        a.store,
		Backfill:     backfill,
		ScheduleCron: cfg.Workers.ScheduleCron,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}
	a.runner = queue.NewRunner(a.store, queue.RunnerConfig{
		Concurrency:  cfg.Workers.Concurrency,
		PollInterval: poll,
		Lease:        lease,
		MaxAttempts:  cfg.Workers.MaxAttempts,
		Logger:       a.logger,
	})
	a.workers.Register(a.runner)
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (ports.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if cfg.Database.DSN == "" {
			path := cfg.SQLite.Path
			if path == "" {
				path = "./data/cichain.db"
			}
			return sqldb.New(ctx, sqldb.Config{Driver: "sqlite", DSN: path, Logger: logger})
		}
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = cfg.Type
	}
	store, err := sqldb.New(ctx, sqldb.Config{Driver: driver, DSN: cfg.Database.DSN, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	return store, nil
}

func newValidator(cfg config.ExternalValidationConfig, logger *slog.Logger) (*chain.HTTPValidator, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	timeout, err := parseDuration(cfg.Timeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("pipelines.external_validation.timeout: %w", err)
	}
	return chain.NewHTTPValidator(chain.HTTPValidatorConfig{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Timeout: timeout,
		Retries: cfg.Retries,
		Logger:  logger,
		Client:  safehttp.Client(timeout, cfg.AllowPrivateNetworks),
	}), nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Service returns the pipeline service.
func (a *App) Service() *service.Service { return a.service }

// Store returns the storage backend.
func (a *App) Store() ports.Store { return a.store }

// Handler returns the HTTP handler with every middleware applied.
func (a *App) Handler() http.Handler { return a.server.Router }

// Run serves HTTP and, when enabled, the background workers until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Start(gctx) })

	if a.cfg.Workers.Enabled {
		g.Go(func() error { return a.runner.Run(gctx) })
		a.workers.Start(gctx)
		defer a.workers.Stop()
	}

	g.Go(func() error {
		err := a.config.Watch(gctx, func(cfg *config.Config) {
			if err := a.Reload(cfg); err != nil {
				a.logger.Error("failed to reload", slog.String("error", err.Error()))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
		return nil
	})

	a.logger.Info("cichain started",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("workers", a.cfg.Workers.Enabled),
		slog.Int("projects", len(a.cfg.Projects)))

	return g.Wait()
}

// Reload swaps in the users, projects and repositories of cfg. Storage,
// server and worker settings need a restart.
func (a *App) Reload(cfg *config.Config) error {
	repos, err := repository.LoadProvider(cfg.Projects)
	if err != nil {
		return fmt.Errorf("reload repositories: %w", err)
	}
	if err := a.directory.ReloadFromConfig(cfg); err != nil {
		return fmt.Errorf("reload directory: %w", err)
	}
	a.repos.Replace(repos)

	a.logger.Info("reload complete",
		slog.Int("users", len(cfg.Users)),
		slog.Int("projects", len(cfg.Projects)))
	return nil
}

// Close releases the store and the config watcher.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.workers != nil {
		a.workers.Stop()
	}
	if a.store != nil && a.ownsStore {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.config != nil {
		if err := a.config.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}
	return errors.Join(errs...)
}
