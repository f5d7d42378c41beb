package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
	"github.com/nemanja-m/voxq/internal/shared/objectstore"
	"github.com/nemanja-m/voxq/internal/worker/api/grpc"
	"github.com/nemanja-m/voxq/internal/worker/backend"
	"github.com/nemanja-m/voxq/internal/worker/service"
)

const registerTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the coordinator and execute tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker(configFile)
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}
		return run(cfg, logger)
	},
}

func run(cfg *config.WorkerConfig, logger logging.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	workerID := uuid.New()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	logger = logger.With("worker_id", workerID.String())

	be, err := backend.New(cfg.Backend)
	if err != nil {
		return fmt.Errorf("configuring backend: %w", err)
	}
	objects, err := objectstore.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing object storage: %w", err)
	}

	client, err := grpc.NewCoordinatorClient(cfg.Coordinator.Addr, cfg.Coordinator.GRPC, workerID, hostname)
	if err != nil {
		return err
	}
	defer client.Close()

	regCtx, regCancel := context.WithTimeout(ctx, registerTimeout)
	reg, err := client.Register(regCtx, cfg.Slots.Count, cfg.Slots.Classes)
	regCancel()
	if err != nil {
		return err
	}
	heartbeat := reg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = cfg.Coordinator.HeartbeatInterval
	}

	executor := service.NewExecutor(be, objects, cfg.Backend.Timeout, logger)
	workerService := service.NewWorkerService(client, executor, service.Config{
		Slots:             cfg.Slots.Count,
		Classes:           cfg.Slots.Classes,
		PollWait:          cfg.Slots.PollWait,
		HeartbeatInterval: heartbeat,
		LeaseDuration:     reg.LeaseDuration,
	}, logger)

	logger.Info("Worker started",
		"hostname", hostname,
		"slots", cfg.Slots.Count,
		"classes", cfg.Slots.Classes,
		"backend", be.Name(),
		"storage", objects.Type(),
		"heartbeat", heartbeat.String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workerService.Run(ctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, logger) })
	}
	err = g.Wait()

	logger.Info("Worker stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, logger logging.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
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
