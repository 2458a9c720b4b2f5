package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
)

type ResultMerger interface {
	MergeResults(ctx context.Context, jobID string, contribution ...json.RawMessage) ([]json.RawMessage, error)
}

// Transformation turns extracted metrics into structured records.
type Transformation struct {
	models  ModelSource
	prompts *prompt.Catalog
	merger  ResultMerger
	workers int
	log     *slog.Logger
}

func NewTransformation(models ModelSource, prompts *prompt.Catalog, merger ResultMerger, workers int, logger *slog.Logger) *Transformation {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformation{models: models, prompts: prompts, merger: merger, workers: workers, log: logger}
}

func (x *Transformation) Decode(values map[string]any) (entity.TransformationTask, error) {
	return entity.ParseTransformationTask(values)
}

func (x *Transformation) Process(ctx context.Context, t entity.TransformationTask) (map[string]any, error) {
	start := time.Now()
	log := x.log.With("job_id", t.TaskID, "sub_item", t.SubItem)

	model, err := x.models.Current(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*entity.SchemaResult, len(t.Results))
	errs := make([]error, len(t.Results))
	var g errgroup.Group
	g.SetLimit(x.workers)
	for i, r := range t.Results {
		g.Go(func() error {
			metrics, err := x.transform(ctx, model, t, r)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", r.SchemaID, err)
				return nil
			}
			out[i] = &entity.SchemaResult{SchemaID: r.SchemaID, SchemaData: r.SchemaData, Metrics: metrics}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	next := entity.LoadingTask{Routing: t.Routing}
	var merged []json.RawMessage
	for i, r := range out {
		if r == nil {
			log.Warn("[transformation] schema failed", "schema_id", t.Results[i].SchemaID, "error", errs[i])
			continue
		}
		next.Results = append(next.Results, *r)
		merged = append(merged, contribution(t.SubItem, *r, t.MarkdownMode))
	}
	if len(next.Results) == 0 {
		return nil, apperr.Handler("every schema failed transformation", errors.Join(errs...))
	}

	if x.merger != nil {
		if _, err := x.merger.MergeResults(ctx, t.TaskID, merged...); err != nil {
			log.Warn("[transformation] merge partial results", "error", err)
		}
	}

	next.ElapsedMS = t.ElapsedMS + time.Since(start).Milliseconds()
	log.Info("[transformation] done", "schemas", len(next.Results), "duration_ms", time.Since(start).Milliseconds())
	return next.Fields(), nil
}

func (x *Transformation) transform(ctx context.Context, model llm.Completer, t entity.TransformationTask, r entity.SchemaResult) (string, error) {
	keys := r.SchemaData.Keys()
	kind := prompt.Transformation
	if t.MarkdownMode {
		kind = prompt.TransformationMarkdown
	}
	user, err := x.prompts.Render(kind, t.PromptIDs, map[string]string{
		"Keys":    strings.Join(keys, ", "),
		"Metrics": r.Metrics,
	})
	if err != nil {
		return "", err
	}

	out, err := llm.Ask(ctx, model, "", user, !t.MarkdownMode)
	if err != nil {
		return "", err
	}
	if t.MarkdownMode {
		return strings.TrimSpace(out), nil
	}

	doc := StripFence(out)
	if err := ValidateRecord(keys, []byte(doc)); err != nil {
		return "", err
	}
	return doc, nil
}

// StripFence removes a ``` code fence around a model answer.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// ValidateRecord checks that data is one JSON object carrying every key.
func ValidateRecord(keys []string, data []byte) error {
	props := make(map[string]any, len(keys))
	for _, k := range keys {
		props[k] = map[string]any{}
	}
	schemaMap := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   keys,
	}
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("record.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("record.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("output is not json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}

type partialResult struct {
	SubItem  int             `json:"sub_item"`
	SchemaID string          `json:"schema_id"`
	Data     json.RawMessage `json:"data"`
}

func contribution(subItem int, r entity.SchemaResult, markdown bool) json.RawMessage {
	data := json.RawMessage(r.Metrics)
	if markdown || !json.Valid(data) {
		data, _ = json.Marshal(r.Metrics)
	}
	b, _ := json.Marshal(partialResult{SubItem: subItem, SchemaID: r.SchemaID, Data: data})
	return b
}
