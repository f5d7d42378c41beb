package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/voxq/internal/coordinator/storage"
	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the job store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCoordinator(configFile)
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}
		if cfg.Database.Driver == "memory" {
			logger.Info("Memory job store has no schema")
			return nil
		}

		db, err := storage.OpenDB(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		if err := storage.NewGormStore(db).Migrate(context.Background()); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
		logger.Info("Migration completed", "driver", cfg.Database.Driver)
		return nil
	},
}
