package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/cache"
	"pipeline-service/internal/connector"
	"pipeline-service/internal/document"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/service"
	"pipeline-service/internal/streambus"
	"pipeline-service/internal/tracker"
)

type fakeCompleter struct {
	mu      sync.Mutex
	answer  string
	prompts []string
}

func (c *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Messages[len(req.Messages)-1].Content)
	return c.answer, nil
}

type fakeModels struct {
	model  llm.Completer
	called int
}

func (f *fakeModels) New(d entity.ModelDetails) (llm.Completer, error) {
	f.called++
	return f.model, nil
}

type fakeSource struct {
	files map[string][]byte
}

func (s fakeSource) Read(ctx context.Context, key string) ([]byte, error) {
	return s.files[key], nil
}

func (s fakeSource) ReadAll(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.files))
	for k := range s.files {
		out = append(out, k)
	}
	return out, nil
}

type env struct {
	bus       *streambus.Memory
	tracker   *tracker.Tracker
	counter   *tracker.Counter
	submitter *service.TaskSubmitter
	model     *fakeCompleter
	models    *fakeModels
}

func newEnv(t *testing.T, extra map[entity.SourceType]service.Normalizer) *env {
	t.Helper()
	bus := streambus.NewMemory()
	tr := tracker.New(bus, time.Hour, nil)
	counter := tracker.NewCounter(bus, tr, time.Hour, nil)
	model := &fakeCompleter{}
	models := &fakeModels{model: model}

	normalizers := map[entity.SourceType]service.Normalizer{
		entity.SourcePDF: service.PDFNormalizer{Store: bus, TTL: time.Hour},
	}
	for k, v := range extra {
		normalizers[k] = v
	}

	ids := 0
	sub := service.NewTaskSubmitter(bus, tr, counter, cache.New(bus, time.Hour), models, service.Options{
		Normalizers: normalizers,
		NewID: func() string {
			ids++
			return "job-" + string(rune('0'+ids))
		},
	})
	return &env{bus: bus, tracker: tr, counter: counter, submitter: sub, model: model, models: models}
}

func blob(t *testing.T, text string) string {
	t.Helper()
	s, err := document.EncodeBlob([]byte(text))
	if err != nil {
		t.Fatalf("encode blob: %v", err)
	}
	return s
}

func provider() entity.ModelDetails {
	return entity.ModelDetails{ProviderType: "openai", ProviderModelName: "gpt-4o-mini", APIKey: "sk-test"}
}

func streamLen(t *testing.T, bus streambus.Bus, stream string) int64 {
	t.Helper()
	n, err := bus.Len(context.Background(), stream)
	if err != nil {
		t.Fatalf("len %s: %v", stream, err)
	}
	return n
}

func TestSubmit_RejectedItemIsIsolated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	schemas := []entity.Schema{{"revenue": "total revenue"}}

	resp, err := e.submitter.Submit(ctx, entity.PipelineRequest{
		Workloads: []entity.WorkItem{
			{Content: blob(t, "page one\fpage two"), Schemas: schemas},
			{Content: "%%% not base64", Schemas: schemas},
			{Content: blob(t, "another report"), Schemas: schemas},
		},
		Provider: provider(),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if resp.TaskID != "job-1" {
		t.Fatalf("expected task id job-1, got %q", resp.TaskID)
	}

	total, err := e.counter.Total(ctx, resp.TaskID)
	if err != nil || total != 2 {
		t.Fatalf("expected total=2, got %d (%v)", total, err)
	}
	if n := streamLen(t, e.bus, entity.ExtractionStream); n != 2 {
		t.Fatalf("expected 2 extraction entries, got %d", n)
	}

	entries, _ := e.bus.Range(ctx, entity.ExtractionStream)
	var subItems []int
	for _, en := range entries {
		task, err := entity.ParseExtractionTask(en.Values)
		if err != nil {
			t.Fatalf("parse task: %v", err)
		}
		if task.ContentKey != service.PDFKey(resp.TaskID, task.SubItem) {
			t.Fatalf("unexpected content key %q", task.ContentKey)
		}
		subItems = append(subItems, task.SubItem)
	}
	if len(subItems) != 2 || subItems[0] != 0 || subItems[1] != 2 {
		t.Fatalf("expected sub items [0 2], got %v", subItems)
	}

	job, err := e.tracker.Snapshot(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if job.Status != entity.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", job.Status)
	}
	if job.FailedItems != 1 || len(job.Errors) != 1 || !strings.HasPrefix(job.Errors[0], "sub_item 1:") {
		t.Fatalf("expected one failure on sub_item 1, got %d %v", job.FailedItems, job.Errors)
	}
}

func TestSubmit_CacheHitEmitsNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	req := entity.PipelineRequest{
		Workloads: []entity.WorkItem{{Content: blob(t, "report"), Schemas: []entity.Schema{{"a": "b"}}}},
		Provider:  provider(),
	}

	first, err := e.submitter.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	statusBefore := streamLen(t, e.bus, tracker.StatusKey(first.TaskID))

	second, err := e.submitter.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second != first {
		t.Fatalf("expected cached response %+v, got %+v", first, second)
	}
	if n := streamLen(t, e.bus, entity.ExtractionStream); n != 1 {
		t.Fatalf("expected 1 extraction entry after cache hit, got %d", n)
	}
	if n := streamLen(t, e.bus, tracker.StatusKey(first.TaskID)); n != statusBefore {
		t.Fatalf("expected no new status entries, got %d -> %d", statusBefore, n)
	}
}

func TestSubmit_InvalidConfigurationWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	bad := provider()
	bad.ProviderModelName = ""
	_, err := e.submitter.Submit(ctx, entity.PipelineRequest{
		Workloads: []entity.WorkItem{{Content: blob(t, "x"), Schemas: []entity.Schema{{"a": "b"}}}},
		Provider:  bad,
	})
	if !apperr.Is(err, apperr.CodeInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	if s := e.bus.Streams(); len(s) != 0 {
		t.Fatalf("expected no streams, got %v", s)
	}
	if _, ok, _ := e.bus.Get(ctx, entity.ModelDetailsKey); ok {
		t.Fatalf("model details must not be published for an invalid configuration")
	}

	_, err = e.submitter.Submit(ctx, entity.PipelineRequest{Provider: provider()})
	if !apperr.Is(err, apperr.CodeInvalidConfiguration) {
		t.Fatalf("expected invalid configuration for empty workloads, got %v", err)
	}
}

func TestSubmit_AllRejectedFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	resp, err := e.submitter.Submit(ctx, entity.PipelineRequest{
		Workloads: []entity.WorkItem{{Content: "", Schemas: []entity.Schema{{"a": "b"}}}},
		Provider:  provider(),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if n := streamLen(t, e.bus, entity.ExtractionStream); n != 0 {
		t.Fatalf("expected no extraction entries, got %d", n)
	}
	job, _ := e.tracker.Snapshot(ctx, resp.TaskID)
	if job.Status != entity.StatusFailed || job.ErrorMessage != "all 1 work items failed" {
		t.Fatalf("expected FAILED with message, got %s %q", job.Status, job.ErrorMessage)
	}
}

func TestDataSourceNormalizer_ModelPicksFile(t *testing.T) {
	ctx := context.Background()
	catalog, err := prompt.Load("")
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	reg := connector.NewRegistry()
	reg.AddSource("archive", fakeSource{files: map[string][]byte{
		"2023/annual.pdf":  []byte("annual report"),
		"2023/summary.pdf": []byte("summary"),
	}})

	e := newEnv(t, nil)
	e.model.answer = " `2023/annual.pdf` "
	n := service.DataSourceNormalizer{Store: e.bus, Sources: reg, Prompts: catalog}

	key, err := n.Normalize(ctx, service.NormalizeRequest{
		JobID: "j", Index: 3, Model: e.model,
		Item: entity.WorkItem{SourceType: entity.SourceDataSource, Source: "archive", Filename: "annual"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if key != "pdf:j:3" {
		t.Fatalf("unexpected key %q", key)
	}
	stored, _, _ := e.bus.Get(ctx, key)
	raw, _ := document.StoreDecoding(stored)
	if string(raw) != "annual report" {
		t.Fatalf("stored wrong file: %q", raw)
	}
	if len(e.model.prompts) != 1 || !strings.Contains(e.model.prompts[0], "2023/summary.pdf") {
		t.Fatalf("expected listing in prompt, got %v", e.model.prompts)
	}

	e.model.answer = "other.pdf"
	_, err = n.Normalize(ctx, service.NormalizeRequest{
		JobID: "j", Index: 4, Model: e.model,
		Item: entity.WorkItem{SourceType: entity.SourceDataSource, Source: "archive", Filename: "annual"},
	})
	if !apperr.Is(err, apperr.CodeNormalization) {
		t.Fatalf("expected normalization failure for unlisted pick, got %v", err)
	}
}

func TestWebNormalizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html><body><main>Revenue 12</main></body></html>"))
	}))
	defer srv.Close()

	ctx := context.Background()
	bus := streambus.NewMemory()
	n := service.WebNormalizer{Store: bus, Client: srv.Client()}

	key, err := n.Normalize(ctx, service.NormalizeRequest{JobID: "j", Index: 0, Item: entity.WorkItem{URL: srv.URL + "/page"}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	body, ok, _ := bus.Get(ctx, key)
	if !ok || !strings.Contains(body, "Revenue 12") {
		t.Fatalf("expected stored body, got %q", body)
	}

	_, err = n.Normalize(ctx, service.NormalizeRequest{JobID: "j", Index: 1, Item: entity.WorkItem{URL: srv.URL + "/missing"}})
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeNormalization || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected normalization failure with 404, got %v", err)
	}
}
