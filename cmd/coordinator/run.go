package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCoordinator(configFile)
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		logger.Info("Starting coordinator", "rest_addr", cfg.REST.Addr, "grpc_addr", cfg.GRPC.Addr)
		defer logger.Info("Coordinator stopped")

		app, err := newCoordinator(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		return app.Run(ctx)
	},
}
