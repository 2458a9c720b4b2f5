// Package bootstrap wires the backing stores, connectors and stages shared by
// cmd/api and cmd/worker.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"pipeline-service/internal/cache"
	"pipeline-service/internal/config"
	"pipeline-service/internal/connector"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/refine"
	"pipeline-service/internal/repository/postgresql"
	"pipeline-service/internal/service"
	"pipeline-service/internal/streambus"
	"pipeline-service/internal/tracker"
	"pipeline-service/internal/worker"
)

// App holds the components both processes are built from.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Bus     streambus.Bus
	Tracker *tracker.Tracker
	Counter *tracker.Counter
	Prompts *prompt.Catalog
	Models  llm.Factory

	closers []func()
}

// Open connects to Redis and builds the job bookkeeping on top of it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	app := New(cfg, logger, streambus.NewRedis(rdb, cfg.StatusTTL), prompts)
	app.closers = append(app.closers, func() { _ = rdb.Close() })
	return app, nil
}

// New builds an App over an existing bus; tests pass streambus.NewMemory.
func New(cfg config.Config, logger *slog.Logger, bus streambus.Bus, prompts *prompt.Catalog) *App {
	if logger == nil {
		logger = slog.Default()
	}
	tr := tracker.New(bus, cfg.StatusTTL, logger)
	return &App{
		Config:  cfg,
		Logger:  logger,
		Bus:     bus,
		Tracker: tr,
		Counter: tracker.NewCounter(bus, tr, cfg.StatusTTL, logger),
		Prompts: prompts,
		Models:  llm.Factory{Timeout: cfg.ModelTimeout, Logger: logger},
	}
}

// Close releases everything opened by Open and Connectors, last opened first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Connectors registers the fs source and every destination type. The
// postgres destination is only available when a DSN is configured.
func (a *App) Connectors(ctx context.Context) (*connector.Registry, error) {
	cfg := a.Config
	reg := connector.NewRegistry()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	if _, err := os.Stat(cfg.SourceDir); err == nil {
		fs, err := connector.NewFSSource(cfg.SourceDir)
		if err != nil {
			return nil, err
		}
		reg.AddSource("fs", fs)
	} else {
		a.Logger.Warn("[bootstrap] fs source disabled", "dir", cfg.SourceDir, "error", err)
	}

	reg.AddDestination("excel", connector.NewExcelDestination(cfg.OutputDir))
	reg.AddDestination("json", connector.NewJSONDestination(cfg.OutputDir))

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	lite, err := connector.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = lite.Close() })
	reg.AddDestination("sqlite", lite)

	if cfg.PostgresDSN != "" {
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pg: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		reg.AddDestination("postgres", postgresql.NewResultRepository(pool))
	}

	return reg, nil
}

// Submitter builds the TaskSubmitter with one normalizer per source type.
func (a *App) Submitter(reg *connector.Registry) *service.TaskSubmitter {
	cfg := a.Config
	return service.NewTaskSubmitter(a.Bus, a.Tracker, a.Counter, cache.New(a.Bus, cfg.CacheTTL), a.Models, service.Options{
		Normalizers: map[entity.SourceType]service.Normalizer{
			entity.SourcePDF: service.PDFNormalizer{Store: a.Bus, TTL: cfg.BlobTTL},
			entity.SourceWeb: service.WebNormalizer{
				Store:  a.Bus,
				TTL:    cfg.BlobTTL,
				Client: &http.Client{Timeout: cfg.WebFetchTimeout},
				Logger: a.Logger,
			},
			entity.SourceDataSource: service.DataSourceNormalizer{
				Store:   a.Bus,
				TTL:     cfg.BlobTTL,
				Sources: reg,
				Prompts: a.Prompts,
			},
		},
		Destinations: reg,
		Logger:       a.Logger,
	})
}

// Refiner builds the refinement engine. Durable sessions live on the bus.
func (a *App) Refiner() *refine.Engine {
	cfg := a.Config
	opts := refine.Options{
		MaxIterations: cfg.Refine.MaxIterations,
		MinConfidence: cfg.Refine.MinConfidence,
		Logger:        a.Logger,
	}
	if cfg.Refine.DurableSessions {
		opts.Store = refine.NewBusStore(a.Bus, cfg.SessionTTL)
	}
	return refine.New(a.Prompts, opts)
}

// Workers builds the three stages and the stream janitor.
func (a *App) Workers(reg *connector.Registry) *worker.Pool {
	cfg := a.Config
	models := worker.NewModels(a.Bus, a.Models)
	failures := worker.ItemFailures{Status: a.Tracker, Counter: a.Counter}
	retry := worker.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.MinDelay = cfg.Retry.MinBackoff
	retry.MaxDelay = cfg.Retry.MaxBackoff

	extraction := worker.NewExtraction(worker.ExtractionConfig{
		PageThreshold:    cfg.Extraction.PageThreshold,
		ChunkSize:        cfg.Extraction.ChunkSize,
		PageWorkers:      cfg.Extraction.PageWorkers,
		ChunkWorkers:     cfg.Extraction.ChunkWorkers,
		FinderWorkers:    cfg.Extraction.FinderWorkers,
		RefinePageFinder: cfg.Refine.PageFinder,
	}, a.Bus, models, a.Prompts, a.Refiner(), a.Logger)

	stages := []worker.Runner{
		worker.NewStage[entity.ExtractionTask](worker.StageConfig{
			Name: "extraction", Input: entity.ExtractionStream, Output: entity.TransformationStream,
			Retry: retry, Block: cfg.ReadBlock,
		}, a.Bus, extraction, failures, a.Logger),
		worker.NewStage[entity.TransformationTask](worker.StageConfig{
			Name: "transformation", Input: entity.TransformationStream, Output: entity.LoadingStream,
			Retry: retry, Block: cfg.ReadBlock,
		}, a.Bus, worker.NewTransformation(models, a.Prompts, a.Tracker, cfg.Extraction.TransformWorkers, a.Logger), failures, a.Logger),
		worker.NewStage[entity.LoadingTask](worker.StageConfig{
			Name: "loading", Input: entity.LoadingStream,
			Retry: retry, Block: cfg.ReadBlock,
		}, a.Bus, worker.NewLoading(reg, a.Tracker, a.Counter, a.Logger), failures, a.Logger),
		worker.NewJanitor(a.Bus, cfg.JanitorSchedule, cfg.StreamMaxLen, []string{
			entity.ExtractionStream, entity.TransformationStream, entity.LoadingStream,
		}, a.Logger),
	}
	return worker.NewPool(a.Logger, stages...)
}
