// Package resilience holds the retry policy wrapped around remote calls.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy is an explicit retry policy for one remote call: a bounded number
// of attempts separated by exponential backoff, a wall-clock window for the
// whole sequence, and a mandatory cooldown after a rate-limited attempt.
type Policy struct {
	// Attempts is the total attempt budget, first try included.
	Attempts int

	// BaseDelay is the wait before the second attempt; each later wait is
	// Factor times the previous one, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	// Jitter spreads each wait by ±Jitter of its length.
	Jitter float64

	// Window bounds time spent attempting and backing off. A retry whose
	// backoff would end past the window is not made. Cooldowns are not
	// charged to it. Zero means no bound.
	Window time.Duration

	// Cooldown is slept after a rate-limited failure when another attempt
	// follows, before the backoff.
	Cooldown time.Duration

	// Retryable decides which errors are worth another attempt. Defaults to
	// IsTransient.
	Retryable func(err error) bool

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns three attempts with 500ms doubling backoff and 25%
// jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Factor:    2,
		Jitter:    0.25,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Factor <= 0 {
		p.Factor = d.Factor
	}
	p.Jitter = max(p.Jitter, 0)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// backoff returns the wait after the given failed attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	d = math.Min(d, float64(p.MaxDelay))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	return time.Duration(math.Max(d, 0))
}

// Do calls fn until it succeeds, returns an error the policy does not retry,
// exhausts the attempt budget or runs out of window. The last error is
// returned unchanged. Cancelling ctx ends any wait and stops further
// attempts.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	started := time.Now()
	var cooled time.Duration

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt >= p.Attempts {
			return zero, err
		}

		if p.Cooldown > 0 && IsRateLimited(err) {
			zap.L().Warn("resilience: rate limited, cooling down",
				zap.Duration("cooldown", p.Cooldown),
				zap.Int("attempt", attempt),
			)
			if !pause(ctx, p.Cooldown) {
				return zero, err
			}
			cooled += p.Cooldown
		}

		wait := p.backoff(attempt)
		if p.Window > 0 && time.Since(started)-cooled+wait > p.Window {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if !pause(ctx, wait) {
			return zero, err
		}
	}
}

// pause sleeps for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// LogRetries returns an OnRetry hook that logs each retry of op against
// service.
func LogRetries(service, op string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", service),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}
