package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/cache"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
)

const submitMessage = "Pipeline accepted: %d of %d work items queued"

// Ports. Implementations: streambus.Bus, tracker.Tracker, tracker.Counter and
// cache.ResponseCache.

type Publisher interface {
	Append(ctx context.Context, stream string, values map[string]any) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type StatusLog interface {
	Start(ctx context.Context, jobID string) (time.Time, error)
	AppendStatus(ctx context.Context, jobID string, status entity.JobStatus, result json.RawMessage, errMsg string) error
	AppendItem(ctx context.Context, jobID string, subItem int, status entity.JobStatus, result json.RawMessage, errMsg string) error
}

type Workload interface {
	SetTotal(ctx context.Context, jobID string, total int) error
	Reject(ctx context.Context, jobID string) error
	Finish(ctx context.Context, jobID string) (bool, error)
}

type ResponseCache interface {
	Get(ctx context.Context, key string) (entity.PipelineResponse, bool, error)
	Put(ctx context.Context, key string, resp entity.PipelineResponse) error
}

type ModelFactory interface {
	New(d entity.ModelDetails) (llm.Completer, error)
}

// Destinations reports whether a loading destination type is configured.
type Destinations interface {
	HasDestination(name string) bool
}

type Options struct {
	Normalizers  map[entity.SourceType]Normalizer
	Destinations Destinations
	// CacheKey defaults to cache.Key.
	CacheKey func([]entity.WorkItem) (string, error)
	// Workers bounds concurrent normalization.
	Workers int
	Logger  *slog.Logger
	NewID   func() string
}

// TaskSubmitter validates a submission, normalizes its work items and emits
// one extraction task per surviving item.
type TaskSubmitter struct {
	bus      Publisher
	status   StatusLog
	workload Workload
	cache    ResponseCache
	models   ModelFactory
	opts     Options
	log      *slog.Logger
}

func NewTaskSubmitter(bus Publisher, status StatusLog, workload Workload, responses ResponseCache, models ModelFactory, opts Options) *TaskSubmitter {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.CacheKey == nil {
		opts.CacheKey = cache.Key
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskSubmitter{
		bus:      bus,
		status:   status,
		workload: workload,
		cache:    responses,
		models:   models,
		opts:     opts,
		log:      logger,
	}
}

func (s *TaskSubmitter) Submit(ctx context.Context, req entity.PipelineRequest) (entity.PipelineResponse, error) {
	var resp entity.PipelineResponse

	model, err := s.validate(req)
	if err != nil {
		return resp, err
	}

	details, err := json.Marshal(req.Provider)
	if err != nil {
		return resp, apperr.InvalidConfiguration("encode model details", err)
	}
	if err := s.bus.Set(ctx, entity.ModelDetailsKey, string(details), 0); err != nil {
		return resp, err
	}

	key, err := s.opts.CacheKey(req.Workloads)
	if err != nil {
		return resp, apperr.InvalidConfiguration("hash workloads", err)
	}
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		return resp, err
	} else if ok {
		s.log.Info("[submit] cache hit", "job_id", cached.TaskID, "cache_key", key)
		return cached, nil
	}

	jobID := s.opts.NewID()
	log := s.log.With("job_id", jobID)
	if _, err := s.status.Start(ctx, jobID); err != nil {
		return resp, err
	}

	tasks := s.normalize(ctx, log, jobID, req, model)

	survivors := 0
	for _, t := range tasks {
		if t != nil {
			survivors++
		}
	}
	if err := s.workload.SetTotal(ctx, jobID, survivors); err != nil {
		return resp, err
	}

	if survivors == 0 {
		if _, err := s.workload.Finish(ctx, jobID); err != nil {
			return resp, err
		}
	} else {
		if err := s.status.AppendStatus(ctx, jobID, entity.StatusInProgress, nil, ""); err != nil {
			return resp, err
		}
		for _, t := range tasks {
			if t == nil {
				continue
			}
			id, err := s.bus.Append(ctx, entity.ExtractionStream, t.Fields())
			if err != nil {
				return resp, err
			}
			log.Debug("[submit] emitted", "sub_item", t.SubItem, "entry_id", id)
		}
	}

	resp = entity.PipelineResponse{
		TaskID:  jobID,
		Message: fmt.Sprintf(submitMessage, survivors, len(req.Workloads)),
	}
	if err := s.cache.Put(ctx, key, resp); err != nil {
		log.Warn("[submit] cache put failed", "error", err)
	}
	log.Info("[submit] accepted", "items", len(req.Workloads), "queued", survivors)
	return resp, nil
}

func (s *TaskSubmitter) validate(req entity.PipelineRequest) (llm.Completer, error) {
	if len(req.Workloads) == 0 {
		return nil, apperr.InvalidConfiguration("workloads must not be empty", nil)
	}
	dest := req.Destination.Type
	if dest != "" && dest != DestinationNone && s.opts.Destinations != nil && !s.opts.Destinations.HasDestination(dest) {
		return nil, apperr.InvalidConfiguration(fmt.Sprintf("unknown destination %q", dest), nil)
	}
	if err := llm.Validate(req.Provider); err != nil {
		return nil, err
	}
	model, err := s.models.New(req.Provider)
	if err != nil {
		if apperr.Is(err, apperr.CodeInvalidConfiguration) {
			return nil, err
		}
		return nil, apperr.InvalidConfiguration("build model client", err)
	}
	return model, nil
}

// DestinationNone records results on the status log only.
const DestinationNone = "none"

// normalize runs every item's normalizer concurrently. Failed items are
// rejected individually; the returned slice holds nil in their place.
func (s *TaskSubmitter) normalize(ctx context.Context, log *slog.Logger, jobID string, req entity.PipelineRequest, model llm.Completer) []*entity.ExtractionTask {
	tasks := make([]*entity.ExtractionTask, len(req.Workloads))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, item := range req.Workloads {
		g.Go(func() error {
			key, err := s.normalizeOne(ctx, NormalizeRequest{
				JobID:     jobID,
				Index:     i,
				Item:      item,
				Model:     model,
				PromptIDs: req.PromptIDs,
			})
			if err != nil {
				log.Warn("[submit] work item rejected", "sub_item", i, "source_type", item.Type(), "error", err)
				if rerr := s.workload.Reject(ctx, jobID); rerr != nil {
					log.Error("[submit] count rejection", "sub_item", i, "error", rerr)
				}
				if aerr := s.status.AppendItem(ctx, jobID, i, entity.StatusFailed, nil, err.Error()); aerr != nil {
					log.Error("[submit] record rejection", "sub_item", i, "error", aerr)
				}
				return nil
			}

			tasks[i] = &entity.ExtractionTask{
				Routing: entity.Routing{
					TaskID:       jobID,
					SubItem:      i,
					SourceType:   item.Type(),
					PromptIDs:    req.PromptIDs,
					Destination:  req.Destination,
					MarkdownMode: req.Provider.MarkdownMode,
				},
				ContentKey: key,
				Schemas:    item.Schemas,
			}
			return nil
		})
	}
	_ = g.Wait()
	return tasks
}

func (s *TaskSubmitter) normalizeOne(ctx context.Context, req NormalizeRequest) (string, error) {
	if err := req.Item.Validate(); err != nil {
		return "", apperr.Normalization("invalid work item", err)
	}
	n, ok := s.opts.Normalizers[req.Item.Type()]
	if !ok {
		return "", apperr.Normalization(fmt.Sprintf("no normalizer for %s", req.Item.Type()), nil)
	}
	return n.Normalize(ctx, req)
}
