// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pipeline-service/internal/bootstrap"
	"pipeline-service/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		config.InitLogger(config.LogConfig{}).Error("[worker] config", "error", err)
		os.Exit(1)
	}
	logger := config.InitLogger(cfg.Log)

	app, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("[worker] startup", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	reg, err := app.Connectors(ctx)
	if err != nil {
		logger.Error("[worker] connectors", "error", err)
		os.Exit(1)
	}

	logger.Info("[worker] config",
		"redis_addr", cfg.Redis.Addr,
		"retry_attempts", cfg.Retry.MaxAttempts,
		"read_block", cfg.ReadBlock,
		"refine_durable_sessions", cfg.Refine.DurableSessions,
		"output_dir", cfg.OutputDir,
		"postgres_dsn", config.RedactDSN(cfg.PostgresDSN),
	)

	app.Workers(reg).Run(ctx)

	logger.Info("[worker] stopped")
}
