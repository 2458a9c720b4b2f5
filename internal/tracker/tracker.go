// Package tracker keeps per-job status logs and workload accounting.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pipeline-service/internal/entity"
	"pipeline-service/internal/streambus"
)

// Tracker appends to and folds job-status:{jobId}.
type Tracker struct {
	bus streambus.Bus
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

func New(bus streambus.Bus, ttl time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{bus: bus, ttl: ttl, now: time.Now, log: logger}
}

// WithClock swaps the clock used for start times and run time.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Start records job-start-time and the initial PENDING entry.
func (t *Tracker) Start(ctx context.Context, jobID string) (time.Time, error) {
	start := t.now()
	if err := t.bus.Set(ctx, StartTimeKey(jobID), strconv.FormatInt(start.Unix(), 10), t.ttl); err != nil {
		return start, fmt.Errorf("set start time: %w", err)
	}
	err := t.append(ctx, jobID, entity.StatusEntry{
		Status:    entity.StatusPending,
		StartTime: start.Unix(),
	})
	return start, err
}

// AppendStatus appends a job-level transition.
func (t *Tracker) AppendStatus(ctx context.Context, jobID string, status entity.JobStatus, result json.RawMessage, errMsg string) error {
	return t.append(ctx, jobID, entity.StatusEntry{Status: status, Result: result, Error: errMsg})
}

// AppendItem appends one work item's contribution.
func (t *Tracker) AppendItem(ctx context.Context, jobID string, subItem int, status entity.JobStatus, result json.RawMessage, errMsg string) error {
	return t.append(ctx, jobID, entity.StatusEntry{
		Status:  status,
		SubItem: entity.IntPtr(subItem),
		Result:  result,
		Error:   errMsg,
	})
}

// AppendItemOnce appends the item entry unless one was already recorded for
// subItem. It reports whether this call appended it.
func (t *Tracker) AppendItemOnce(ctx context.Context, jobID string, subItem int, status entity.JobStatus, result json.RawMessage, errMsg string) (bool, error) {
	key := itemKey(jobID, subItem)
	won, err := t.bus.SetNX(ctx, key, string(status), t.ttl)
	if err != nil || !won {
		return false, err
	}
	if err := t.AppendItem(ctx, jobID, subItem, status, result, errMsg); err != nil {
		if derr := t.bus.Del(ctx, key); derr != nil {
			t.log.Error("[tracker] release item guard", "job_id", jobID, "sub_item", subItem, "error", derr)
		}
		return false, err
	}
	return true, nil
}

// ItemRecorded reports whether AppendItemOnce already recorded subItem.
func (t *Tracker) ItemRecorded(ctx context.Context, jobID string, subItem int) (bool, error) {
	_, ok, err := t.bus.Get(ctx, itemKey(jobID, subItem))
	return ok, err
}

func (t *Tracker) append(ctx context.Context, jobID string, e entity.StatusEntry) error {
	if e.TotalRunTime == "" {
		if start, ok := t.startTime(ctx, jobID); ok {
			e.TotalRunTime = FormatRunTime(t.now().Sub(start))
		}
	}
	key := StatusKey(jobID)
	if _, err := t.bus.Append(ctx, key, e.Fields()); err != nil {
		return fmt.Errorf("append status %s: %w", e.Status, err)
	}
	if t.ttl > 0 {
		if err := t.bus.Expire(ctx, key, t.ttl); err != nil {
			t.log.Warn("[tracker] expire status log", "job_id", jobID, "error", err)
		}
	}
	return nil
}

func (t *Tracker) startTime(ctx context.Context, jobID string) (time.Time, bool) {
	raw, ok, err := t.bus.Get(ctx, StartTimeKey(jobID))
	if err != nil || !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Entries reads the raw status log. Malformed entries are skipped.
func (t *Tracker) Entries(ctx context.Context, jobID string) ([]entity.StatusEntry, error) {
	raw, err := t.bus.Range(ctx, StatusKey(jobID))
	if err != nil {
		return nil, err
	}
	out := make([]entity.StatusEntry, 0, len(raw))
	for _, r := range raw {
		e, err := entity.ParseStatusEntry(r.ID, r.Values)
		if err != nil {
			t.log.Warn("[tracker] skip malformed status entry", "job_id", jobID, "entry_id", r.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Snapshot folds the status log. A job with no entries yields a synthetic
// PENDING snapshot; callers distinguish "unknown" via Entries and StartTime.
// Running jobs report live run time since submission.
func (t *Tracker) Snapshot(ctx context.Context, jobID string) (entity.Job, error) {
	entries, err := t.Entries(ctx, jobID)
	if err != nil {
		return entity.Job{}, err
	}
	job := Fold(jobID, entries)

	start, ok := t.startTime(ctx, jobID)
	if ok && job.StartTime == 0 {
		job.StartTime = start.Unix()
	}
	if !job.Status.Terminal() && job.StartTime > 0 {
		job.TotalRunTime = FormatRunTime(t.now().Sub(time.Unix(job.StartTime, 0)))
	}
	return job, nil
}
