package flow

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer bounds how often the deferred-retry timer is allowed to
// re-check is_congested(), independent of the congestion window
// algorithm itself: the window decides *whether* to send, the pacer
// decides how eagerly the timer may ask again. Grounded on
// rjsadow-sortie's use of golang.org/x/time/rate for request pacing.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows at most one recheck per minInterval, with a single
// burst token so the very first check is never delayed.
func NewPacer(minInterval time.Duration) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Allow reports whether a congestion recheck may run now.
func (p *Pacer) Allow() bool { return p.limiter.Allow() }

// Wait blocks until a recheck is permitted or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
