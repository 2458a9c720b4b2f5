package worker

import (
	"context"
	"log/slog"
	"sync"
)

type Runner interface {
	Name() string
	Run(ctx context.Context)
}

// Pool runs every stage in its own goroutine until ctx is cancelled.
type Pool struct {
	runners []Runner
	log     *slog.Logger
}

func NewPool(logger *slog.Logger, runners ...Runner) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{runners: runners, log: logger}
}

func (p *Pool) Run(ctx context.Context) {
	p.log.Info("[worker] pool started", "stages", len(p.runners))

	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}
	wg.Wait()
	p.log.Info("[worker] pool stopped")
}
