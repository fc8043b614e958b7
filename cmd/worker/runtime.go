package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/houzhh15/scribeq/cmd/worker/internal/config"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
	"github.com/houzhh15/scribeq/pkg/logger"
)

// loadRuntime reads and validates configuration and initialises the process logger.
func loadRuntime(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}

	log, err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.LogEnvironment(),
		WithSource:  !cfg.IsProduction(),
		File:        cfg.Log.File,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, log, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	return store.Open(ctx, storeConfig(cfg))
}
