// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "pipeline-service/docs"
	"pipeline-service/internal/bootstrap"
	"pipeline-service/internal/config"
	httptransport "pipeline-service/internal/transport/http"
)

// @title Pipeline Service API
// @version 1.0
// @description Submits document extraction pipelines and reports their status.
// @BasePath /
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		config.InitLogger(config.LogConfig{}).Error("[api] config", "error", err)
		os.Exit(1)
	}
	logger := config.InitLogger(cfg.Log)

	app, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("[api] startup", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	reg, err := app.Connectors(ctx)
	if err != nil {
		logger.Error("[api] connectors", "error", err)
		os.Exit(1)
	}

	h := httptransport.NewHandler(app.Submitter(reg), app.Tracker, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("[api] shutdown", "error", err)
		}
	}()

	logger.Info("[api] listening",
		"addr", cfg.HTTPAddr,
		"redis_addr", cfg.Redis.Addr,
		"postgres_dsn", config.RedactDSN(cfg.PostgresDSN),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("[api] serve", "error", err)
		return
	}
	logger.Info("[api] stopped")
}
