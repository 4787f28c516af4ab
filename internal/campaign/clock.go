package campaign

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time for the orchestrator so tests run the full engine
// without real delays.
type Clock interface {
	Now() time.Time
	// Cooldown blocks until the post-placement pause has elapsed, or the
	// context is canceled.
	Cooldown(ctx context.Context) error
}

// pacer is the production Clock. The cooldown is a token bucket holding one
// token refilled once per interval, so consecutive placements are spaced at
// least the cooldown apart without sleeping when the engine was already idle
// longer than that.
type pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Clock enforcing the given pause between call placements.
func NewPacer(cooldown time.Duration) Clock {
	limiter := rate.NewLimiter(rate.Every(cooldown), 1)
	// Drain the initial token so the first cooldown waits a full interval.
	limiter.Allow()
	return &pacer{limiter: limiter}
}

func (p *pacer) Now() time.Time {
	return time.Now().UTC()
}

func (p *pacer) Cooldown(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
