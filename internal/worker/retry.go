package worker

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy is exponential backoff clamped to [MinDelay, MaxDelay].
// MaxAttempts counts the first try; 2 means one retry.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, MinDelay: 4 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 1}
}

// Delay returns the wait before attempt (attempt >= 2).
// delay = clamp(multiplier * 2^(attempt-1) seconds, min, max)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(mult * math.Pow(2, float64(attempt-1)) * float64(time.Second))
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, attempts run out or ctx is done. It returns
// the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, log *slog.Logger, fn func(ctx context.Context) error) (int, error) {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			d := p.Delay(attempt)
			log.Warn("[retry] backing off", "attempt", attempt, "delay", d, "error", err)
			if serr := sleep(ctx, d); serr != nil {
				return attempt - 1, serr
			}
		}
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
	}
	return limit, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
