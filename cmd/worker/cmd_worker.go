package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/houzhh15/scribeq/cmd/worker/internal/config"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/health"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
	"github.com/houzhh15/scribeq/cmd/worker/internal/worker"
)

const (
	healthCheckInterval      = time.Minute
	healthCheckFailThreshold = 3
	opsShutdownTimeout       = 10 * time.Second
	poolCloseTimeout         = 30 * time.Second
)

func newWorkerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "worker",
		Short: "运行领取循环与运维 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			migrateFirst, _ := cmd.Flags().GetBool("migrate")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			return runWorker(ctx, cfg, log, migrateFirst)
		},
	}
	c.Flags().Bool("migrate", false, "启动前应用数据库迁移")
	return c
}

func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger, migrateFirst bool) error {
	appLogger := log.With("component", "worker", "worker_id", cfg.Worker.ID)
	appLogger.Info("configuration loaded\n" + cfg.PrintConfig())

	if migrateFirst {
		if err := store.RunMigrations(storeConfig(cfg), log); err != nil {
			return err
		}
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(store.NewVideoRepository(db), store.NewTranscriptRepository(db), cfg.Worker.ID, cfg.Worker.LeaseDuration, log)

	execCfg := dependency.ExecutorConfig{
		WorkDir:         cfg.Pipeline.WorkDir,
		BinaryPaths:     cfg.BinaryPaths(),
		DefaultTimeout:  cfg.Pipeline.CommandTimeout,
		AllowedCommands: []string{dependency.ToolYtDlp, dependency.ToolFFmpeg, dependency.ToolFFprobe, dependency.ToolPython},
	}
	tools := dependency.NewClient(dependency.NewLocalExecutor(execCfg), execCfg, log)

	pool, err := newEnginePool(cfg, tools, log)
	if err != nil {
		return err
	}

	var diarizer orchestrator.Diarizer
	if cfg.Diarization.Enabled {
		diarizer = diarize.NewPyannote(tools, cfg.Diarization.ScriptPath, dependency.DiarizationOptions{
			Device:      cfg.Diarization.Device,
			HFToken:     cfg.Diarization.HFToken,
			NumSpeakers: cfg.Diarization.NumSpeakers,
			Timeout:     cfg.Diarization.Timeout,
		})
	}

	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		ChunkSeconds:        cfg.Pipeline.ChunkSeconds,
		ChunkOverlap:        cfg.Pipeline.ChunkOverlap,
		SampleRate:          cfg.Pipeline.SampleRate,
		DownloadTimeout:     cfg.Pipeline.DownloadTimeout,
		MaxAttempts:         cfg.Worker.MaxAttempts,
		KeepArtifacts:       cfg.Pipeline.KeepArtifacts,
		Language:            cfg.Whisper.Language,
		DiarizationEnabled:  cfg.Diarization.Enabled,
		DiarizationRequired: cfg.Diarization.Required,
	}, q, tools, pool, diarizer, log)

	loop := worker.New(worker.Config{
		MaxParallelJobs:     cfg.Worker.MaxParallelJobs,
		PollInterval:        cfg.Worker.PollInterval,
		PollBackoffMax:      cfg.Worker.PollBackoffMax,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		ShutdownGrace:       cfg.Worker.ShutdownGrace,
		DepthSampleInterval: cfg.Worker.DepthSampleInterval,
	}, q, runner, log)

	checker := health.NewHealthChecker([]health.Probe{
		store.Ping{DB: db},
		health.ProbeFunc{ProbeName: "tools", Check: tools.HealthCheck},
	}, healthCheckInterval, healthCheckFailThreshold, log)
	go checker.Start(ctx)
	defer checker.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.OpsAddr,
		Handler:           newOpsRouter(cfg, loop, checker, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("ops server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("ops server failed", "error", err)
		}
	}()

	runErr := loop.Run(ctx)
	appLogger.Info("shutdown signal received, stopping ops server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("ops server forced to shutdown", "error", err)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), poolCloseTimeout)
	defer cancelClose()
	if err := pool.Close(closeCtx); err != nil {
		appLogger.Warn("engine pool close failed", "error", err)
	}

	appLogger.Info("worker shutdown complete")
	return runErr
}

// newEnginePool wires the configured engine factory behind the model cascade.
func newEnginePool(cfg *config.Config, tools *dependency.Client, log *slog.Logger) (*whisper.Pool, error) {
	backends, err := cfg.Backends()
	if err != nil {
		return nil, err
	}

	var factory whisper.EngineFactory
	switch cfg.Whisper.Mode {
	case "http":
		factory = whisper.NewHTTPFactory(cfg.Whisper.APIURL, log)
	case "cli":
		factory = whisper.NewCLIFactory(tools, cfg.Whisper.ScriptPath, cfg.Pipeline.CommandTimeout)
	default:
		return nil, fmt.Errorf("unsupported whisper mode %q", cfg.Whisper.Mode)
	}

	loader := whisper.NewLoader(factory, cfg.Whisper.FallbackModels, backends, log)
	for i, c := range loader.Cascade(cfg.Whisper.Model) {
		log.Debug("model cascade", "order", i, "candidate", c.String())
	}
	return whisper.NewPool(loader, cfg.Whisper.Model, cfg.Whisper.PoolSize, log), nil
}
