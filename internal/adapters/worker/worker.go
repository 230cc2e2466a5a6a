// Package worker runs batches of independent jobs on a bounded set of
// goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/whr/pkg/logger"
	"github.com/okian/whr/pkg/metrics"
)

// ErrInvalidJobCount is returned when a batch has a negative size.
var ErrInvalidJobCount = errors.New("job count must not be negative")

// Pool executes batches of jobs with at most Size running at once. A Pool
// holds no goroutines between batches and is safe for concurrent use.
type Pool struct {
	size   int
	name   string
	logger logger.Logger
}

// NewPool creates a pool. A size below 1 uses runtime.NumCPU().
func NewPool(size int, opts ...Option) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		size:   size,
		name:   "worker-pool",
		logger: logger.Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	metrics.UpdateWorkerCount(size)
	return p
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Run calls fn for every i in [0, n) and waits for all calls to finish. The
// first job error cancels the batch context and is returned; jobs not yet
// started are skipped.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidJobCount, n)
	}
	if n == 0 {
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			start := time.Now()
			err := fn(gctx, i)
			metrics.RecordWorkerJobLatency(float64(time.Since(start).Microseconds()) / 1000)
			if err != nil {
				metrics.RecordWorkerError()
				metrics.RecordErrorByComponent("worker", "job_error")
				return fmt.Errorf("%s: job %d: %w", p.name, i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Error(ctx, "batch failed", logger.Int("jobs", n), logger.Error(err))
		return err
	}
	return ctx.Err()
}
