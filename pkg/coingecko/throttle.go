package coingecko

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Throttle paces requests for every client that shares it. A 429 halves the
// pace, never below a quarter of the configured ceiling, and each success
// wins back a fifth until the ceiling is reached again.
type Throttle struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	ceiling rate.Limit
}

// NewThrottle allows perSecond requests with no burst beyond one.
func NewThrottle(perSecond rate.Limit) *Throttle {
	return &Throttle{lim: rate.NewLimiter(perSecond, 1), ceiling: perSecond}
}

// PerMinute is NewThrottle for n requests a minute. n <= 0 means unlimited.
func PerMinute(n int) *Throttle {
	if n <= 0 {
		return NewThrottle(rate.Inf)
	}
	return NewThrottle(rate.Limit(n) / 60)
}

// Wait blocks until the next request may go out.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}

// Rate is the current requests-per-second pace.
func (t *Throttle) Rate() rate.Limit {
	return t.lim.Limit()
}

func (t *Throttle) backoff() {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := max(t.lim.Limit()/2, t.ceiling/4)
	t.lim.SetLimit(next)
	zap.L().Warn("coingecko: slowing requests after 429",
		zap.Float64("per_second", float64(next)),
	)
}

func (t *Throttle) restore() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.lim.Limit(); cur < t.ceiling {
		t.lim.SetLimit(min(cur*6/5, t.ceiling))
	}
}
