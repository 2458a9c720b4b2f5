package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Trimmer interface {
	Trim(ctx context.Context, stream string, maxLen int64) error
	Len(ctx context.Context, stream string) (int64, error)
}

// Janitor caps the stage streams on a cron schedule.
type Janitor struct {
	bus      Trimmer
	schedule string
	maxLen   int64
	streams  []string
	log      *slog.Logger
}

func NewJanitor(bus Trimmer, schedule string, maxLen int64, streams []string, logger *slog.Logger) *Janitor {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{bus: bus, schedule: schedule, maxLen: maxLen, streams: streams, log: logger}
}

func (j *Janitor) Name() string { return "janitor" }

// Sweep trims every stream once and returns how many entries it dropped.
// Stages delete what they processed, so whatever is trimmed was never
// processed and its job will not reach completed == total.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	var dropped int64
	for _, s := range j.streams {
		before, err := j.bus.Len(ctx, s)
		if err != nil {
			j.log.Warn("[janitor] len", "stream", s, "error", err)
			continue
		}
		if before <= j.maxLen {
			continue
		}
		if err := j.bus.Trim(ctx, s, j.maxLen); err != nil {
			j.log.Warn("[janitor] trim", "stream", s, "error", err)
			continue
		}
		after, err := j.bus.Len(ctx, s)
		if err != nil {
			after = j.maxLen
		}
		dropped += before - after
		j.log.Warn("[janitor] dropped unprocessed entries", "stream", s, "before", before, "dropped", before-after, "max_len", j.maxLen)
	}
	return dropped
}

// Run schedules Sweep until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if err := j.start(ctx); err != nil {
		j.log.Error("[janitor] not started", "error", err)
	}
}

func (j *Janitor) start(ctx context.Context) error {
	if j.maxLen <= 0 {
		return fmt.Errorf("max length must be positive, got %d", j.maxLen)
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.log.Info("[janitor] started", "schedule", j.schedule, "max_len", j.maxLen)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
