package worker_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-service/internal/cache"
	"pipeline-service/internal/connector"
	"pipeline-service/internal/document"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/refine"
	"pipeline-service/internal/service"
	"pipeline-service/internal/streambus"
	"pipeline-service/internal/tracker"
	"pipeline-service/internal/worker"
)

// scriptedModel answers by looking at the request shape.
type scriptedModel struct {
	mu    sync.Mutex
	calls int
	json  string
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	first := req.Messages[0].Content
	switch {
	case req.JSONMode:
		return m.json, nil
	case strings.Contains(first, "Respond with ONLY a number"):
		return "0.9", nil
	case strings.Contains(first, "FINAL ANSWER"):
		return "FINAL ANSWER: revenue: 12 USD", nil
	default:
		return "yes, revenue: 12 USD", nil
	}
}

type staticFactory struct{ model llm.Completer }

func (f staticFactory) New(entity.ModelDetails) (llm.Completer, error) { return f.model, nil }

func drain[T worker.Routed](t *testing.T, bus streambus.Bus, stream string, stage *worker.Stage[T]) int {
	t.Helper()
	ctx := context.Background()
	entries, err := bus.Range(ctx, stream)
	require.NoError(t, err)
	for _, e := range entries {
		require.True(t, stage.Process(ctx, e))
	}
	return len(entries)
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemory()
	tr := tracker.New(bus, time.Hour, nil)
	counter := tracker.NewCounter(bus, tr, time.Hour, nil)
	catalog, err := prompt.Load("")
	require.NoError(t, err)

	model := &scriptedModel{json: `{"revenue":"12 USD"}`}
	factory := staticFactory{model: model}
	outDir := t.TempDir()
	reg := connector.NewRegistry()
	reg.AddDestination("json", connector.NewJSONDestination(outDir))

	submitter := service.NewTaskSubmitter(bus, tr, counter, cache.New(bus, time.Hour), factory, service.Options{
		Normalizers: map[entity.SourceType]service.Normalizer{
			entity.SourcePDF: service.PDFNormalizer{Store: bus, TTL: time.Hour},
		},
	})

	blob := func(s string) string {
		b, err := document.EncodeBlob([]byte(s))
		require.NoError(t, err)
		return b
	}
	schemas := []entity.Schema{{"revenue": "total revenue with currency"}}
	resp, err := submitter.Submit(ctx, entity.PipelineRequest{
		Workloads: []entity.WorkItem{
			{Content: blob("cover page\frevenue was 12 USD"), Schemas: schemas},
			{Content: "broken", Schemas: schemas},
			{Content: blob("annual revenue 12 USD"), Schemas: schemas},
		},
		Provider:    entity.ModelDetails{ProviderType: "groq", ProviderModelName: "llama", APIKey: "k"},
		Destination: entity.Destination{Type: "json", DataLocation: "results"},
	})
	require.NoError(t, err)

	total, _ := counter.Total(ctx, resp.TaskID)
	require.Equal(t, 2, total)

	models := worker.NewModels(bus, factory)
	failures := worker.ItemFailures{Status: tr, Counter: counter}
	retry := worker.DefaultRetryPolicy()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	engine := refine.New(catalog, refine.Options{})

	extraction := worker.NewStage[entity.ExtractionTask](worker.StageConfig{
		Name: "extraction", Input: entity.ExtractionStream, Output: entity.TransformationStream, Retry: retry,
	}, bus, worker.NewExtraction(worker.ExtractionConfig{}, bus, models, catalog, engine, nil), failures, nil)
	transformation := worker.NewStage[entity.TransformationTask](worker.StageConfig{
		Name: "transformation", Input: entity.TransformationStream, Output: entity.LoadingStream, Retry: retry,
	}, bus, worker.NewTransformation(models, catalog, tr, 2, nil), failures, nil)
	loading := worker.NewStage[entity.LoadingTask](worker.StageConfig{
		Name: "loading", Input: entity.LoadingStream, Retry: retry,
	}, bus, worker.NewLoading(reg, tr, counter, nil), failures, nil)

	assert.Equal(t, 2, drain(t, bus, entity.ExtractionStream, extraction))
	assert.Equal(t, 2, drain(t, bus, entity.TransformationStream, transformation))

	loadingEntries, _ := bus.Range(ctx, entity.LoadingStream)
	require.Len(t, loadingEntries, 2, "both survivors reach loading-stream")
	assert.Equal(t, 2, drain(t, bus, entity.LoadingStream, loading))

	job, err := tr.Snapshot(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, job.Status)
	require.Len(t, job.Results, 2)
	assert.Equal(t, 1, job.FailedItems)

	var item entity.ItemResult
	require.NoError(t, json.Unmarshal(job.Results[0], &item))
	assert.Equal(t, "json", item.Destination)
	assert.FileExists(t, item.Location)
	require.Len(t, item.Schemas, 1)
	assert.JSONEq(t, `{"revenue":"12 USD"}`, item.Schemas[0].Metrics)

	partial, err := tr.PartialResults(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Len(t, partial, 2)

	completed, _ := counter.Completed(ctx, resp.TaskID)
	assert.Equal(t, 2, completed)
}

func TestTransformationRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemory()
	catalog, err := prompt.Load("")
	require.NoError(t, err)
	require.NoError(t, bus.Set(ctx, entity.ModelDetailsKey, `{"provider_type":"groq"}`, 0))

	model := &scriptedModel{json: "```json\n{\"other\":\"x\"}\n```"}
	x := worker.NewTransformation(worker.NewModels(bus, staticFactory{model: model}), catalog, nil, 1, nil)

	_, err = x.Process(ctx, entity.TransformationTask{
		Routing: entity.Routing{TaskID: "job", SubItem: 0},
		Results: []entity.SchemaResult{{SchemaID: "schema_0", SchemaData: entity.Schema{"revenue": "r"}, Metrics: "revenue: 1"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, worker.StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, worker.StripFence(` {"a":1} `))
}

func TestBatchRows(t *testing.T) {
	b := worker.Batch(entity.LoadingTask{
		Routing: entity.Routing{TaskID: "j", Destination: entity.Destination{
			DataLocation:    "Sheet1",
			ColumnLocations: map[string]map[string]string{"Sheet1": {"revenue": "A2"}},
		}},
		Results: []entity.SchemaResult{
			{SchemaID: "schema_0", Metrics: `{"revenue":"12"}`},
			{SchemaID: "schema_1", Metrics: "| revenue |\n| 12 |"},
		},
	})
	assert.Equal(t, map[string]string{"revenue": "A2"}, b.ColumnLocations)
	require.Len(t, b.Rows, 2)
	assert.Equal(t, "12", b.Rows[0].Values["revenue"])
	assert.Equal(t, "| revenue |\n| 12 |", b.Rows[1].Values["metrics"])
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemory()
	for i := 0; i < 5; i++ {
		_, err := bus.Append(ctx, entity.ExtractionStream, map[string]any{"i": i})
		require.NoError(t, err)
	}
	dropped := worker.NewJanitor(bus, "", 2, []string{entity.ExtractionStream, entity.LoadingStream}, nil).Sweep(ctx)
	assert.Equal(t, int64(3), dropped)

	n, _ := bus.Len(ctx, entity.ExtractionStream)
	assert.Equal(t, int64(2), n)
}
