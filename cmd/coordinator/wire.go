package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	grpcapi "github.com/nemanja-m/voxq/internal/coordinator/api/grpc"
	"github.com/nemanja-m/voxq/internal/coordinator/api/rest"
	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/coordinator/ratelimit"
	"github.com/nemanja-m/voxq/internal/coordinator/service"
	"github.com/nemanja-m/voxq/internal/coordinator/storage"
	"github.com/nemanja-m/voxq/internal/coordinator/webhook"
	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/objectstore"
	"github.com/nemanja-m/voxq/internal/worker/api/local"
	"github.com/nemanja-m/voxq/internal/worker/backend"
	workercore "github.com/nemanja-m/voxq/internal/worker/core"
	workersvc "github.com/nemanja-m/voxq/internal/worker/service"
)

type jobBackend interface {
	core.JobStore
	core.DeliveryStore
	core.IdentityStore
}

type coordinator struct {
	scheduler  *service.Scheduler
	aggregator *service.CompletionAggregator
	reaper     *service.Reaper
	rest       *http.Server
	grpc       *grpcapi.Server
	localSlots workercore.WorkerService

	closers []func() error
	logger  logging.Logger
}

func newCoordinator(ctx context.Context, cfg *config.CoordinatorConfig, logger logging.Logger) (*coordinator, error) {
	c := &coordinator{logger: logger}

	store, err := c.openStore(ctx, cfg.Database)
	if err != nil {
		c.Close()
		return nil, err
	}
	objects, err := objectstore.Open(ctx, cfg.Storage)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing object storage: %w", err)
	}
	if err := seedIdentities(ctx, store, cfg.Auth.Identities); err != nil {
		c.Close()
		return nil, err
	}

	budgets := make(map[core.ResourceClass]int, len(cfg.Dispatch.Classes))
	for class, budget := range cfg.Dispatch.Classes {
		budgets[core.ResourceClass(class)] = budget
	}
	dispatcher, err := service.NewDispatcher(budgets,
		service.WithQueueOptions(core.WithAging(cfg.Dispatch.AgingThreshold)))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("configuring dispatcher: %w", err)
	}

	c.aggregator = service.NewCompletionAggregator(
		store,
		webhook.NewHTTPTransport(cfg.Webhook.Timeout),
		service.AggregatorConfig{
			MaxAttempts:   cfg.Webhook.MaxAttempts,
			BaseBackoff:   cfg.Webhook.BaseBackoff,
			MaxBackoff:    cfg.Webhook.MaxBackoff,
			Workers:       cfg.Webhook.Workers,
			SweepInterval: cfg.Webhook.SweepInterval,
		},
		logger.With("component", "aggregator"),
	)
	c.scheduler = service.NewScheduler(store, dispatcher, c.aggregator, cfg.Dispatch.LeaseDuration,
		logger.With("component", "scheduler"))

	r := cfg.Dispatch.Routing
	router := core.NewClassRouter(
		core.ResourceClass(r.NMT),
		core.ResourceClass(r.ASRPrimary),
		core.ResourceClass(r.ASRFallback),
		r.PrimaryLanguages,
	)
	limiter := ratelimit.New(cfg.RateLimit.GlobalRate, cfg.RateLimit.GlobalBurst, core.Quota{
		Requests: cfg.RateLimit.Requests,
		Interval: cfg.RateLimit.Interval,
		Burst:    cfg.RateLimit.Burst,
	})
	jobs := service.NewJobManager(store, c.scheduler, objects, router, limiter, service.JobManagerConfig{
		MaxItems:       cfg.Jobs.MaxItems,
		DefaultTimeout: cfg.Jobs.DefaultTimeout,
		AttemptLimit:   cfg.Dispatch.AttemptLimit,
		UploadTTL:      cfg.Storage.UploadTTL,
		ConfirmGrace:   cfg.Storage.ConfirmGrace,
	}, logger.With("component", "jobs"))

	workers := service.NewWorkerService(storage.NewInMemoryWorkerStore(), logger.With("component", "workers"))
	c.reaper = service.NewReaper(
		cfg.Health.CheckInterval,
		cfg.Health.StaleTimeout,
		cfg.Jobs.Retention,
		workers,
		c.scheduler,
		jobs,
		logger.With("component", "reaper"),
	)

	api := rest.NewAPI(jobs, map[string]rest.HealthCheck{
		"database": store,
		"storage":  objects,
	}, logger.With("component", "rest"))
	c.rest = rest.NewServer(cfg.REST, api, rest.NewAuthenticator(store, logger.With("component", "auth")))

	svc := grpcapi.NewCoordinatorService(
		cfg.GRPC.HeartbeatInterval,
		cfg.Dispatch.LeaseDuration,
		workers,
		c.scheduler,
		logger.With("component", "grpc"),
		grpcapi.WithMaxPullWait(cfg.GRPC.MaxPullWait),
	)
	c.grpc = grpcapi.NewServer(cfg.GRPC, svc, logger.With("component", "grpc"))

	if cfg.LocalWorkers.Slots > 0 {
		c.localSlots, err = newLocalSlots(cfg, c.scheduler, objects, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *coordinator) openStore(ctx context.Context, cfg config.DatabaseConfig) (jobBackend, error) {
	if cfg.Driver == "memory" {
		c.logger.Warn("Using in-memory job store; jobs are lost on restart")
		return storage.NewInMemoryJobStore(), nil
	}

	c.logger.Info("Initializing data store", "driver", cfg.Driver)
	db, err := storage.OpenDB(cfg, c.logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		c.closers = append(c.closers, sqlDB.Close)
	}
	store := storage.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migration: %w", err)
	}
	return store, nil
}

// newLocalSlots runs slots inside the coordinator against the scheduler
// directly. They share the coordinator's object storage.
func newLocalSlots(
	cfg *config.CoordinatorConfig,
	tasks core.TaskService,
	objects objectstore.Store,
	logger logging.Logger,
) (workercore.WorkerService, error) {
	if err := service.ValidPatterns(cfg.LocalWorkers.Classes); err != nil {
		return nil, fmt.Errorf("local_workers.classes: %w", err)
	}
	be, err := backend.New(config.BackendConfig{Type: cfg.LocalWorkers.Backend})
	if err != nil {
		return nil, fmt.Errorf("local_workers.backend: %w", err)
	}
	slotLogger := logger.With("component", "local_slots", "backend", be.Name())
	executor := workersvc.NewExecutor(be, objects, 0, slotLogger)
	client := local.NewCoordinatorClient(tasks, uuid.New())
	return workersvc.NewWorkerService(client, executor, workersvc.Config{
		Slots:         cfg.LocalWorkers.Slots,
		Classes:       cfg.LocalWorkers.Classes,
		PollWait:      cfg.GRPC.MaxPullWait,
		LeaseDuration: cfg.Dispatch.LeaseDuration,
	}, slotLogger), nil
}

// Run recovers persisted work, then serves until ctx is done or a
// component fails.
func (c *coordinator) Run(ctx context.Context) error {
	if err := c.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.aggregator.Run(ctx) })
	g.Go(func() error {
		c.reaper.Start(ctx)
		return nil
	})
	g.Go(func() error { return rest.Run(ctx, c.rest, c.logger) })
	g.Go(func() error { return c.grpc.Run(ctx) })
	if c.localSlots != nil {
		g.Go(func() error { return c.localSlots.Run(ctx) })
	}
	return g.Wait()
}

func (c *coordinator) Close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			c.logger.Warn("Failed to close resource", "error", err)
		}
	}
	c.closers = nil
}
