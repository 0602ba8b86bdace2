// Package control wires the application together: configuration to
// stores, stores to the runtime, runtime to the HTTP surface, with a
// Start/Stop lifecycle the commands drive.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/docflow-io/docflow/internal/api"
	"github.com/docflow-io/docflow/internal/core/config"
	"github.com/docflow-io/docflow/internal/core/worker"
	"github.com/docflow-io/docflow/internal/health"
	redisclient "github.com/docflow-io/docflow/internal/infra/redis"
	"github.com/docflow-io/docflow/internal/infra/storage"
	"github.com/docflow-io/docflow/internal/infra/storage/memory"
	"github.com/docflow-io/docflow/internal/infra/storage/sqlstore"
	"github.com/docflow-io/docflow/internal/pipeline"
	"github.com/docflow-io/docflow/internal/recovery"
	"github.com/docflow-io/docflow/internal/runtime"
	"github.com/docflow-io/docflow/internal/session"
)

// App is the main application struct that manages the worker lifecycle.
type App struct {
	cfg config.AppConfig

	db          *sqlstore.DB
	jobs        storage.JobRepository
	events      storage.JobEventRepository
	sessions    *session.Manager
	runtime     *runtime.Runtime
	coordinator *recovery.Coordinator
	redisClient *redisclient.Client
	queueWorker *recovery.QueueWorker
	pruner      *worker.Pruner
	monitor     *health.Monitor
	server      *api.Server

	bgCancel context.CancelFunc
	log      *slog.Logger
}

// NewApp creates the application with all dependencies initialized.
// Workers do not run until Start.
func NewApp(ctx context.Context, cfg config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}

	// 1. Job store
	if cfg.Database.Driver == "memory" {
		store := memory.NewMemoryStorage()
		a.jobs = memory.NewJobRepo(store)
		a.events = memory.NewJobEventRepo(store)
		slog.Info("Using in-memory job store")
	} else {
		db, err := sqlstore.NewDB(ctx, sqlstore.Config{
			Driver:   cfg.Database.Driver,
			Path:     cfg.Database.Path,
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init job store: %w", err)
		}
		a.db = db
		a.jobs = sqlstore.NewJobRepo(db)
		a.events = sqlstore.NewJobEventRepo(db)
		slog.Info("Using SQL job store", "driver", cfg.Database.Driver)
	}

	// 2. Session state
	sessions, err := session.NewManager(session.Config{
		SessionDir:    cfg.Sessions.Dir,
		QuarantineDir: cfg.Sessions.QuarantineDir,
		MaxRetries:    cfg.Sessions.MaxRetries,
		RetentionDays: cfg.Sessions.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init session state: %w", err)
	}
	a.sessions = sessions

	// 3. Pipeline + runtime
	pipe := pipeline.NewHTTPService(cfg.Pipeline.URL, cfg.Pipeline.Timeout)
	a.runtime = runtime.New(runtime.Config{
		Workers:           cfg.Runtime.Workers,
		QueueCapacity:     cfg.Runtime.QueueCapacity,
		BatchSize:         cfg.Runtime.BatchSize,
		FileTimeout:       cfg.Runtime.FileTimeout,
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval,
		StaleWorkerAfter:  cfg.Runtime.StaleWorkerAfter,
		DedupWindow:       cfg.Runtime.DedupWindow,
		RequeueLimit:      cfg.Runtime.RequeueLimit,
		OrphanAge:         cfg.Sessions.OrphanAge,
	}, a.jobs, a.events, sessions, pipe, recovery.NewClassifier())
	if a.db != nil {
		a.runtime.SetLockRetrySource(a.db.LockRetries)
	}

	a.coordinator = recovery.NewCoordinator(
		sessions,
		recovery.DefaultBackoff(sessions.MaxRetries()),
		a.runtime,
	)

	// 4. Optional retry-request queue
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(redisclient.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redisClient = client
		a.queueWorker = recovery.NewQueueWorker(client, a.coordinator, 0)
		slog.Info("Retry-request queue enabled", "url", cfg.Redis.URL)
	}

	a.pruner = worker.NewPruner(sessions.Store(), cfg.Sessions.RetentionDays)

	// 5. Health + HTTP surface
	a.monitor = health.NewMonitor(a.runtime, sessions)
	if a.db != nil {
		a.monitor.Register(a.db)
	}
	if a.redisClient != nil {
		a.monitor.Register(a.redisClient)
	}

	a.server = api.NewServer(
		cfg.Server.Port,
		a.runtime,
		a.jobs,
		a.events,
		sessions,
		a.coordinator,
		a.monitor,
	)

	return a, nil
}

// Runtime exposes the job runtime for one-shot commands.
func (a *App) Runtime() *runtime.Runtime { return a.runtime }

// Sessions exposes the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Coordinator exposes the retry coordinator.
func (a *App) Coordinator() *recovery.Coordinator { return a.coordinator }

// Jobs exposes the job repository.
func (a *App) Jobs() storage.JobRepository { return a.jobs }

// Events exposes the job event repository.
func (a *App) Events() storage.JobEventRepository { return a.events }

// Start reconciles persisted state, launches the worker pool and the
// HTTP server, and begins draining the retry queue if configured.
func (a *App) Start(ctx context.Context) error {
	if err := a.runtime.Start(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()
	a.log.Info("HTTP server listening", "port", a.cfg.Server.Port)

	if a.queueWorker != nil {
		go a.queueWorker.Run(bgCtx)
	}
	go a.pruner.Start(bgCtx)
	return nil
}

// Stop shuts the application down: new work is refused first, in-flight
// workers drain, then connections close.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping docflow worker...")

	if a.bgCancel != nil {
		a.bgCancel()
	}

	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("Failed to stop HTTP server", "error", err)
	}

	if err := a.runtime.Stop(ctx); err != nil {
		a.log.Warn("Failed to drain workers", "error", err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close job store", "error", err)
			return err
		}
	}
	return nil
}
