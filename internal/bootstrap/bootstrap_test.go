package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-service/internal/bootstrap"
	"pipeline-service/internal/config"
	"pipeline-service/internal/document"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/streambus"
)

func testApp(t *testing.T) (*bootstrap.App, *streambus.Memory, config.Config) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "report.pdf"), []byte("page one"), 0o644))

	cfg := config.Config{
		OutputDir:       filepath.Join(dir, "out"),
		SourceDir:       src,
		SQLitePath:      filepath.Join(dir, "out", "pipeline.db"),
		StatusTTL:       time.Hour,
		CacheTTL:        time.Hour,
		BlobTTL:         time.Hour,
		JanitorSchedule: "@every 1m",
		StreamMaxLen:    1000,
		Retry:           config.RetryConfig{MaxAttempts: 2, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		ReadBlock:       10 * time.Millisecond,
	}
	cfg.Sanitize()

	catalog, err := prompt.Load("")
	require.NoError(t, err)
	bus := streambus.NewMemory()
	app := bootstrap.New(cfg, nil, bus, catalog)
	t.Cleanup(app.Close)
	return app, bus, cfg
}

func TestConnectorsRegistersDestinations(t *testing.T) {
	app, _, cfg := testApp(t)

	reg, err := app.Connectors(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"excel", "json", "sqlite"} {
		assert.True(t, reg.HasDestination(name), name)
	}
	assert.False(t, reg.HasDestination("postgres"), "no dsn configured")
	assert.FileExists(t, cfg.SQLitePath)

	src, err := reg.Source("fs")
	require.NoError(t, err)
	keys, err := src.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"report.pdf"}, keys)
}

func TestSubmitterEmitsExtractionTask(t *testing.T) {
	app, bus, _ := testApp(t)
	ctx := context.Background()
	reg, err := app.Connectors(ctx)
	require.NoError(t, err)

	blob, err := document.EncodeBlob([]byte("revenue 12 USD"))
	require.NoError(t, err)

	resp, err := app.Submitter(reg).Submit(ctx, entity.PipelineRequest{
		Workloads:   []entity.WorkItem{{Content: blob, Schemas: []entity.Schema{{"revenue": "total revenue"}}}},
		Provider:    entity.ModelDetails{ProviderType: "groq", ProviderModelName: "llama", APIKey: "k"},
		Destination: entity.Destination{Type: "sqlite", DataLocation: "results"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TaskID)

	n, err := bus.Len(ctx, entity.ExtractionStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWorkersStopOnCancel(t *testing.T) {
	app, _, _ := testApp(t)
	reg, err := app.Connectors(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		app.Workers(reg).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}
