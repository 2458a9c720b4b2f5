// Package worker runs the pipeline stages: a generic consume, process and
// forward loop specialized for extraction, transformation and loading.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/streambus"
)

type Routed interface {
	Route() entity.Routing
}

// Handler is the stage-specific part of a Stage.
type Handler[T Routed] interface {
	Decode(values map[string]any) (T, error)
	// Process returns the fields to append to the next stage's stream. A
	// terminal stage returns nil.
	Process(ctx context.Context, task T) (map[string]any, error)
}

// Failures marks a work item as finished unsuccessfully.
type Failures interface {
	Fail(ctx context.Context, jobID string, subItem int, err error) error
}

// StatusLog records at most one item entry per work item.
type StatusLog interface {
	AppendItemOnce(ctx context.Context, jobID string, subItem int, status entity.JobStatus, result json.RawMessage, errMsg string) (bool, error)
	ItemRecorded(ctx context.Context, jobID string, subItem int) (bool, error)
}

type Completion interface {
	Complete(ctx context.Context, jobID string, subItem int, failed bool) (bool, error)
}

// ItemFailures appends a FAILED item entry and counts the item as done.
type ItemFailures struct {
	Status  StatusLog
	Counter Completion
}

func (f ItemFailures) Fail(ctx context.Context, jobID string, subItem int, cause error) error {
	if _, err := f.Status.AppendItemOnce(ctx, jobID, subItem, entity.StatusFailed, nil, cause.Error()); err != nil {
		return err
	}
	_, err := f.Counter.Complete(ctx, jobID, subItem, true)
	return err
}

type StageConfig struct {
	Name   string
	Input  string
	Output string
	Retry  RetryPolicy
	// Block bounds one read; the loop reads again after it.
	Block time.Duration
}

// Stage owns the read cursor of one input stream.
type Stage[T Routed] struct {
	cfg      StageConfig
	bus      streambus.Bus
	handler  Handler[T]
	failures Failures
	log      *slog.Logger
	cursor   string
}

func NewStage[T Routed](cfg StageConfig, bus streambus.Bus, handler Handler[T], failures Failures, logger *slog.Logger) *Stage[T] {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage[T]{
		cfg:      cfg,
		bus:      bus,
		handler:  handler,
		failures: failures,
		log:      logger.With("stage", cfg.Name, "stream", cfg.Input),
		cursor:   streambus.StartCursor,
	}
}

func (s *Stage[T]) Name() string { return s.cfg.Name }

// Run consumes the input stream until ctx is cancelled. A failing message
// never stops the loop; a failing store is retried with backoff.
func (s *Stage[T]) Run(ctx context.Context) {
	s.log.Info("[worker] stage started")
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			s.log.Info("[worker] stage stopped")
			return
		}
		e, ok, err := s.bus.ReadAfter(ctx, s.cfg.Input, s.cursor, s.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.Error("[worker] read failed", "error", err, "retry_in", backoff)
			if sleepCtx(ctx, backoff) != nil {
				continue
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if !ok {
			continue
		}
		if s.Process(ctx, e) {
			s.cursor = e.ID
		}
	}
}

// Process handles one entry. It reports false only when ctx was cancelled
// mid-flight; the entry is then left on the stream for the next run.
func (s *Stage[T]) Process(ctx context.Context, e streambus.Entry) bool {
	start := time.Now()
	log := s.log.With("entry_id", e.ID)

	task, err := s.handler.Decode(e.Values)
	if err != nil {
		log.Warn("[worker] dropping poison entry", "error", err)
		var de *entity.DecodeError
		if errors.As(err, &de) && de.TaskID != "" {
			s.fail(ctx, log, de.TaskID, de.SubItem, apperr.Deserialization(err))
		}
		s.ack(ctx, log, e.ID)
		return true
	}

	r := task.Route()
	log = log.With("job_id", r.TaskID, "sub_item", r.SubItem)

	var next map[string]any
	attempts, err := s.cfg.Retry.Do(ctx, log, func(ctx context.Context) error {
		out, perr := s.handler.Process(ctx, task)
		next = out
		return perr
	})
	if ctx.Err() != nil {
		log.Warn("[worker] interrupted, entry kept", "attempts", attempts)
		return false
	}

	if err != nil {
		log.Error("[worker] giving up", "attempts", attempts, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		s.fail(ctx, log, r.TaskID, r.SubItem, err)
	} else {
		if s.cfg.Output != "" && next != nil {
			id, aerr := s.bus.Append(ctx, s.cfg.Output, next)
			if aerr != nil {
				// the item would otherwise never complete
				log.Error("[worker] forward failed", "to", s.cfg.Output, "error", aerr)
				s.fail(ctx, log, r.TaskID, r.SubItem, aerr)
			} else {
				log.Debug("[worker] forwarded", "to", s.cfg.Output, "next_id", id)
			}
		}
		log.Info("[worker] done", "attempts", attempts, "duration_ms", time.Since(start).Milliseconds())
	}
	s.ack(ctx, log, e.ID)
	return true
}

func (s *Stage[T]) fail(ctx context.Context, log *slog.Logger, jobID string, subItem int, cause error) {
	if s.failures == nil {
		return
	}
	if err := s.failures.Fail(ctx, jobID, subItem, cause); err != nil {
		log.Error("[worker] record failure", "error", err)
	}
}

func (s *Stage[T]) ack(ctx context.Context, log *slog.Logger, id string) {
	if err := s.bus.Delete(ctx, s.cfg.Input, id); err != nil {
		log.Error("[worker] delete entry", "error", err)
	}
}
