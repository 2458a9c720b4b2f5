package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/document"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/refine"
)

type ModelSource interface {
	Current(ctx context.Context) (llm.Completer, error)
}

type Refiner interface {
	Run(ctx context.Context, model llm.Completer, mode prompt.Mode, input string) (refine.Result, error)
}

type ExtractionConfig struct {
	// PageThreshold is the relevant-page count above which pages are
	// processed in chunks.
	PageThreshold    int
	ChunkSize        int
	PageWorkers      int
	ChunkWorkers     int
	FinderWorkers    int
	RefinePageFinder bool
}

func (c ExtractionConfig) withDefaults() ExtractionConfig {
	if c.PageThreshold <= 0 {
		c.PageThreshold = 8
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4
	}
	if c.PageWorkers <= 0 {
		c.PageWorkers = 5
	}
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = 4
	}
	if c.FinderWorkers <= 0 {
		c.FinderWorkers = 10
	}
	return c
}

// Extraction pulls schema metrics out of a normalized document.
type Extraction struct {
	cfg     ExtractionConfig
	content KeyReader
	models  ModelSource
	prompts *prompt.Catalog
	refiner Refiner
	log     *slog.Logger
	now     func() time.Time
}

func NewExtraction(cfg ExtractionConfig, content KeyReader, models ModelSource, prompts *prompt.Catalog, refiner Refiner, logger *slog.Logger) *Extraction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extraction{
		cfg:     cfg.withDefaults(),
		content: content,
		models:  models,
		prompts: prompts,
		refiner: refiner,
		log:     logger,
		now:     time.Now,
	}
}

func (x *Extraction) Decode(values map[string]any) (entity.ExtractionTask, error) {
	return entity.ParseExtractionTask(values)
}

func (x *Extraction) Process(ctx context.Context, t entity.ExtractionTask) (map[string]any, error) {
	start := x.now()
	log := x.log.With("job_id", t.TaskID, "sub_item", t.SubItem)

	pages, err := x.pages(ctx, t)
	if err != nil {
		return nil, err
	}
	model, err := x.models.Current(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*entity.SchemaResult, len(t.Schemas))
	errs := make([]error, len(t.Schemas))
	var g errgroup.Group
	for i, schema := range t.Schemas {
		g.Go(func() error {
			metrics, err := x.extractSchema(ctx, log.With("schema", i), model, t, schema, pages)
			if err != nil {
				errs[i] = fmt.Errorf("schema %d: %w", i, err)
				return nil
			}
			results[i] = &entity.SchemaResult{SchemaID: schemaID(i), SchemaData: schema, Metrics: metrics}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	next := entity.TransformationTask{Routing: t.Routing}
	for i, r := range results {
		if r == nil {
			log.Warn("[extraction] schema failed", "schema", i, "error", errs[i])
			continue
		}
		next.Results = append(next.Results, *r)
	}
	if len(next.Results) == 0 {
		return nil, apperr.Handler("every schema failed", errors.Join(errs...))
	}
	next.ElapsedMS = x.now().Sub(start).Milliseconds()
	log.Info("[extraction] done", "pages", len(pages), "schemas", len(next.Results), "duration_ms", next.ElapsedMS)
	return next.Fields(), nil
}

func schemaID(i int) string { return fmt.Sprintf("schema_%d", i) }

// pages loads the normalized content named by the task.
func (x *Extraction) pages(ctx context.Context, t entity.ExtractionTask) ([]string, error) {
	raw, ok, err := x.content.Get(ctx, t.ContentKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Handler(fmt.Sprintf("content %s expired or missing", t.ContentKey), nil)
	}

	if t.SourceType == entity.SourceWeb {
		text, err := document.WebText(strings.NewReader(raw))
		if err != nil {
			return nil, apperr.Handler("preprocess web page", err)
		}
		return []string{text}, nil
	}

	data, err := document.StoreDecoding(raw)
	if err != nil {
		return nil, apperr.Handler("stored document", err)
	}
	pages, err := document.Pages(data)
	if err != nil {
		return nil, apperr.Handler("read pages", err)
	}
	if len(pages) == 0 {
		return nil, apperr.Handler("read pages", document.ErrNoPages)
	}
	return pages, nil
}

func (x *Extraction) extractSchema(ctx context.Context, log *slog.Logger, model llm.Completer, t entity.ExtractionTask, schema entity.Schema, pages []string) (string, error) {
	keywords := schema.Keywords()
	examples := x.examples(ctx, log, model, t.PromptIDs, keywords)

	relevant := x.relevantPages(ctx, log, model, t.PromptIDs, keywords, pages)
	if len(relevant) == 0 {
		log.Info("[extraction] no relevant page, using all pages", "pages", len(pages))
		relevant = make([]int, len(pages))
		for i := range pages {
			relevant[i] = i
		}
	}

	units, workers := [][]int{}, x.cfg.PageWorkers
	if len(relevant) <= x.cfg.PageThreshold {
		for _, p := range relevant {
			units = append(units, []int{p})
		}
	} else {
		units, workers = chunk(relevant, x.cfg.ChunkSize), x.cfg.ChunkWorkers
	}

	agent, err := x.prompts.Agent(prompt.ModeExtraction)
	if err != nil {
		return "", err
	}
	outputs := make([]string, len(units))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, unit := range units {
		g.Go(func() error {
			user, err := x.prompts.Render(prompt.Extraction, t.PromptIDs, map[string]string{
				"Keywords": keywords,
				"Examples": examples,
				"Text":     joinPages(pages, unit),
			})
			if err != nil {
				log.Warn("[extraction] render prompt", "pages", unit, "error", err)
				return nil
			}
			out, err := llm.Ask(ctx, model, agent.System, user, false)
			if err != nil {
				log.Warn("[extraction] page call failed", "pages", unit, "error", err)
				return nil
			}
			outputs[i] = strings.TrimSpace(out)
			return nil
		})
	}
	_ = g.Wait()

	draft := joinNonEmpty(outputs)
	if draft == "" {
		return "", fmt.Errorf("no page produced output (%d units)", len(units))
	}

	res, err := x.refiner.Run(ctx, model, prompt.ModeExtraction, draft)
	if err != nil {
		return "", err
	}
	if res.Degraded {
		log.Warn("[extraction] refinement degraded", "iterations", res.Iterations)
	}
	return res.Output, nil
}

func (x *Extraction) examples(ctx context.Context, log *slog.Logger, model llm.Completer, ids map[string]string, keywords string) string {
	user, err := x.prompts.Render(prompt.ExampleGeneration, ids, map[string]string{"Keywords": keywords})
	if err != nil {
		log.Warn("[extraction] render examples", "error", err)
		return ""
	}
	out, err := llm.Ask(ctx, model, "", user, false)
	if err != nil {
		log.Warn("[extraction] example generation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// relevantPages returns the indexes of pages the model judges relevant, in
// page order. A single page is always relevant.
func (x *Extraction) relevantPages(ctx context.Context, log *slog.Logger, model llm.Completer, ids map[string]string, keywords string, pages []string) []int {
	if len(pages) <= 1 {
		return []int{0}
	}

	verdicts := make([]bool, len(pages))
	var g errgroup.Group
	g.SetLimit(x.cfg.FinderWorkers)
	for i, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		g.Go(func() error {
			user, err := x.prompts.Render(prompt.PageFinder, ids, map[string]string{"Keywords": keywords, "Page": page})
			if err != nil {
				log.Warn("[extraction] render page finder", "page", i, "error", err)
				return nil
			}
			var answer string
			if x.cfg.RefinePageFinder {
				var res refine.Result
				res, err = x.refiner.Run(ctx, model, prompt.ModePageFinder, user)
				answer = res.Output
			} else {
				answer, err = llm.Ask(ctx, model, "", user, false)
			}
			if err != nil {
				log.Warn("[extraction] page finder failed", "page", i, "error", err)
				return nil
			}
			verdicts[i] = strings.Contains(strings.ToLower(answer), "yes")
			return nil
		})
	}
	_ = g.Wait()

	var out []int
	for i, ok := range verdicts {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

func chunk(pages []int, size int) [][]int {
	var out [][]int
	for len(pages) > 0 {
		n := min(size, len(pages))
		out = append(out, pages[:n])
		pages = pages[n:]
	}
	return out
}

func joinPages(pages []string, idx []int) string {
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, pages[i])
	}
	return strings.Join(parts, "\n\n")
}

func joinNonEmpty(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
