// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// RetryConfig bounds the per-stage retry of a failing handler. MaxAttempts
// counts the first try.
type RetryConfig struct {
	MinBackoff  time.Duration `env:"MIN_BACKOFF" envDefault:"4s"`
	MaxBackoff  time.Duration `env:"MAX_BACKOFF" envDefault:"10s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"2"`
}

type ExtractionConfig struct {
	PageThreshold int `env:"EXTRACTION_PAGE_THRESHOLD" envDefault:"8"`
	ChunkSize     int `env:"EXTRACTION_CHUNK_SIZE" envDefault:"4"`
	PageWorkers   int `env:"EXTRACTION_PAGE_WORKERS" envDefault:"5"`
	ChunkWorkers  int `env:"EXTRACTION_CHUNK_WORKERS" envDefault:"4"`
	FinderWorkers int `env:"PAGE_FINDER_WORKERS" envDefault:"10"`

	// TransformWorkers bounds concurrent schema transformations per item.
	TransformWorkers int `env:"TRANSFORMATION_WORKERS" envDefault:"4"`
}

type RefineConfig struct {
	MaxIterations   int     `env:"MAX_ITERATIONS" envDefault:"2"`
	MinConfidence   float64 `env:"MIN_CONFIDENCE" envDefault:"0.8"`
	DurableSessions bool    `env:"DURABLE_SESSIONS" envDefault:"false"`
	PageFinder      bool    `env:"PAGE_FINDER" envDefault:"false"`
}

// Config is the configuration shared by cmd/api and cmd/worker.
type Config struct {
	Redis RedisConfig `envPrefix:"REDIS_"`
	Log   LogConfig   `envPrefix:"LOG_"`
	Retry RetryConfig `envPrefix:"RETRY_"`

	Extraction ExtractionConfig
	Refine     RefineConfig `envPrefix:"REFINE_"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	CacheTTL   time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	StatusTTL  time.Duration `env:"STATUS_TTL" envDefault:"24h"`
	BlobTTL    time.Duration `env:"BLOB_TTL" envDefault:"24h"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	ReadBlock  time.Duration `env:"READ_BLOCK" envDefault:"5s"`

	ModelTimeout    time.Duration `env:"MODEL_TIMEOUT" envDefault:"60s"`
	WebFetchTimeout time.Duration `env:"WEB_FETCH_TIMEOUT" envDefault:"30s"`
	PromptsFile     string        `env:"PROMPTS_FILE"`

	JanitorSchedule string `env:"JANITOR_SCHEDULE" envDefault:"@every 1m"`
	StreamMaxLen    int64  `env:"STREAM_MAX_LEN" envDefault:"10000"`

	OutputDir   string `env:"OUTPUT_DIR" envDefault:"./output"`
	SourceDir   string `env:"SOURCE_DIR" envDefault:"./data"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./output/pipeline.db"`
}

// Load reads a .env file when one exists, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps values that would stall or disable a stage.
func (c *Config) Sanitize() {
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.MinBackoff <= 0 {
		c.Retry.MinBackoff = 4 * time.Second
	}
	if c.Retry.MaxBackoff < c.Retry.MinBackoff {
		c.Retry.MaxBackoff = c.Retry.MinBackoff
	}
	if c.ReadBlock <= 0 || c.ReadBlock > time.Minute {
		c.ReadBlock = 5 * time.Second
	}

	c.Extraction.PageThreshold = atLeast(c.Extraction.PageThreshold, 1)
	c.Extraction.ChunkSize = atLeast(c.Extraction.ChunkSize, 1)
	c.Extraction.PageWorkers = atLeast(c.Extraction.PageWorkers, 1)
	c.Extraction.ChunkWorkers = atLeast(c.Extraction.ChunkWorkers, 1)
	c.Extraction.FinderWorkers = atLeast(c.Extraction.FinderWorkers, 1)
	c.Extraction.TransformWorkers = atLeast(c.Extraction.TransformWorkers, 1)

	if c.Refine.MaxIterations < 0 {
		c.Refine.MaxIterations = 0
	}
	if c.Refine.MinConfidence < 0 || c.Refine.MinConfidence > 1 {
		c.Refine.MinConfidence = 0.8
	}
	if c.StreamMaxLen < 100 {
		c.StreamMaxLen = 100
	}
	if strings.TrimSpace(c.JanitorSchedule) == "" {
		c.JanitorSchedule = "@every 1m"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func atLeast(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}

// InitLogger installs the default logger. Unknown levels fall back to info.
func InitLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL style DSN: user:pass@ becomes user:****@.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
