package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.Retry.MinBackoff)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 8, cfg.Extraction.PageThreshold)
	assert.Equal(t, 10, cfg.Extraction.FinderWorkers)
	assert.Equal(t, 0.8, cfg.Refine.MinConfidence)
	assert.False(t, cfg.Refine.DurableSessions)
	assert.Equal(t, "@every 1m", cfg.JanitorSchedule)
	assert.Equal(t, int64(10000), cfg.StreamMaxLen)
	assert.Empty(t, cfg.PostgresDSN)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("REFINE_DURABLE_SESSIONS", "true")
	t.Setenv("EXTRACTION_CHUNK_SIZE", "6")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("LOG_LEVEL", " DEBUG ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Refine.DurableSessions)
	assert.Equal(t, 6, cfg.Extraction.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("STATUS_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestSanitize(t *testing.T) {
	cfg := Config{
		Retry:        RetryConfig{MaxAttempts: 0, MinBackoff: 2 * time.Second, MaxBackoff: time.Second},
		Extraction:   ExtractionConfig{ChunkSize: -1},
		Refine:       RefineConfig{MaxIterations: -3, MinConfidence: 4},
		StreamMaxLen: 1,
	}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 5*time.Second, cfg.ReadBlock)
	assert.Equal(t, 1, cfg.Extraction.ChunkSize)
	assert.Equal(t, 0, cfg.Refine.MaxIterations)
	assert.Equal(t, 0.8, cfg.Refine.MinConfidence)
	assert.Equal(t, int64(100), cfg.StreamMaxLen)
	assert.Equal(t, "@every 1m", cfg.JanitorSchedule)
}

func TestInitLogger(t *testing.T) {
	logger := InitLogger(LogConfig{Level: "warn", Format: "json"})
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))

	logger = InitLogger(LogConfig{Level: "loud"})
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:****@db:5432/pipeline", RedactDSN("postgres://app:secret@db:5432/pipeline"))
	assert.Equal(t, "postgres://db:5432/pipeline", RedactDSN("postgres://db:5432/pipeline"))
}
