// Package trigger runs the campaign engine on a fixed period with
// skip-on-overlap semantics: at most one run is active at any time, and a
// tick that fires while a run is still executing is dropped, not queued.
package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one engine invocation.
type Job func(ctx context.Context) error

// Runner invokes a job on every tick of a fixed interval.
type Runner struct {
	interval time.Duration
	job      Job
	inFlight atomic.Bool
	skipped  atomic.Int64
	wg       sync.WaitGroup
}

// NewRunner creates a Runner for the given interval and job.
func NewRunner(interval time.Duration, job Job) *Runner {
	return &Runner{interval: interval, job: job}
}

// Skipped reports how many ticks were dropped because a run was active.
func (r *Runner) Skipped() int64 {
	return r.skipped.Load()
}

// Run starts the tick loop and an immediate first run. It blocks until ctx
// is cancelled, then waits for the in-flight run to wind down on its own
// record boundary.
func (r *Runner) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "trigger"))
	log.Info("starting trigger", zap.Duration("interval", r.interval))

	r.fire(ctx, log)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			log.Info("trigger stopped")
			return
		case <-ticker.C:
			r.fire(ctx, log)
		}
	}
}

// fire starts the job in the background so the tick loop keeps observing the
// interval. A tick arriving while a run holds the guard is skipped.
func (r *Runner) fire(ctx context.Context, log *zap.Logger) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		log.Warn("previous run still active, skipping tick",
			zap.Int64("skipped_total", r.skipped.Load()))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Store(false)

		start := time.Now()
		if err := r.job(ctx); err != nil {
			log.Error("run failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		log.Debug("run finished", zap.Duration("elapsed", time.Since(start)))
	}()
}
