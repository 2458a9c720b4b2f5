package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pipeline-service/internal/entity"
	"pipeline-service/internal/streambus"
)

// Counter gates the job-level terminal entry on every submitted work item
// finishing. Finished items are kept as a set of sub_item indexes, so a
// retry that reports the same item again is counted once and can still
// close the job. The terminal entry is appended at most once.
type Counter struct {
	bus     streambus.Bus
	tracker *Tracker
	ttl     time.Duration
	log     *slog.Logger
}

func NewCounter(bus streambus.Bus, tracker *Tracker, ttl time.Duration, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{bus: bus, tracker: tracker, ttl: ttl, log: logger}
}

func (c *Counter) SetTotal(ctx context.Context, jobID string, total int) error {
	return c.bus.Set(ctx, TotalKey(jobID), strconv.Itoa(total), c.ttl)
}

func (c *Counter) Total(ctx context.Context, jobID string) (int, error) {
	return c.readInt(ctx, TotalKey(jobID))
}

// Completed counts distinct finished items, failed ones included.
func (c *Counter) Completed(ctx context.Context, jobID string) (int, error) {
	n, err := c.bus.SCard(ctx, completedKey(jobID))
	return int(n), err
}

func (c *Counter) Failed(ctx context.Context, jobID string) (int, error) {
	n, err := c.bus.SCard(ctx, failedKey(jobID))
	return int(n), err
}

func (c *Counter) readInt(ctx context.Context, key string) (int, error) {
	raw, ok, err := c.bus.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %w", key, err)
	}
	return n, nil
}

// Reject counts a work item dropped during normalization. Rejected items
// are never part of total.
func (c *Counter) Reject(ctx context.Context, jobID string) error {
	_, err := c.bus.Incr(ctx, rejectedKey(jobID))
	return err
}

func (c *Counter) Rejected(ctx context.Context, jobID string) (int, error) {
	return c.readInt(ctx, rejectedKey(jobID))
}

// Complete records subItem as finished. It returns true when this call
// appended the job's terminal entry. Calling it again for the same item is
// safe: the item is counted once, and if closing the job failed earlier the
// call tries again.
func (c *Counter) Complete(ctx context.Context, jobID string, subItem int, failed bool) (bool, error) {
	total, err := c.Total(ctx, jobID)
	if err != nil {
		return false, err
	}

	member := strconv.Itoa(subItem)
	// a finisher that sees every item done must also see this failure
	if failed {
		if _, err := c.bus.SAdd(ctx, failedKey(jobID), member); err != nil {
			return false, err
		}
	}
	if _, err := c.bus.SAdd(ctx, completedKey(jobID), member); err != nil {
		return false, err
	}

	n, err := c.Completed(ctx, jobID)
	if err != nil {
		return false, err
	}
	if n < total {
		return false, nil
	}
	if n > total {
		c.log.Warn("[counter] more items finished than submitted", "job_id", jobID, "total", total, "completed", n)
	}
	return c.finish(ctx, jobID, total)
}

// Finish closes a job whose total is zero (every item rejected).
func (c *Counter) Finish(ctx context.Context, jobID string) (bool, error) {
	total, err := c.Total(ctx, jobID)
	if err != nil {
		return false, err
	}
	if total != 0 {
		return false, fmt.Errorf("job %s still has %d items outstanding", jobID, total)
	}
	return c.finish(ctx, jobID, 0)
}

func (c *Counter) finish(ctx context.Context, jobID string, total int) (bool, error) {
	won, err := c.bus.SetNX(ctx, terminalKey(jobID), "1", c.ttl)
	if err != nil || !won {
		return false, err
	}

	failed, err := c.Failed(ctx, jobID)
	if err != nil {
		c.release(ctx, jobID)
		return false, err
	}

	if total-failed > 0 {
		err = c.tracker.AppendStatus(ctx, jobID, entity.StatusCompleted, nil, "")
	} else {
		rejected, _ := c.Rejected(ctx, jobID)
		msg := fmt.Sprintf("all %d work items failed", failed+rejected)
		err = c.tracker.AppendStatus(ctx, jobID, entity.StatusFailed, nil, msg)
	}
	if err != nil {
		c.release(ctx, jobID)
		return false, err
	}
	c.log.Info("[counter] job finished", "job_id", jobID, "total", total, "failed", failed)
	return true, nil
}

// release drops the terminal guard so the next completion can close the job.
func (c *Counter) release(ctx context.Context, jobID string) {
	if err := c.bus.Del(ctx, terminalKey(jobID)); err != nil {
		c.log.Error("[counter] release terminal guard", "job_id", jobID, "error", err)
	}
}
