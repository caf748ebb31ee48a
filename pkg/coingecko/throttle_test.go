package coingecko

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestThrottle_BackoffHalvesToFloor(t *testing.T) {
	th := NewThrottle(8)

	th.backoff()
	assert.InDelta(t, 4.0, float64(th.Rate()), 0.001)
	th.backoff()
	assert.InDelta(t, 2.0, float64(th.Rate()), 0.001)
	th.backoff()
	th.backoff()
	assert.InDelta(t, 2.0, float64(th.Rate()), 0.001, "never below a quarter of the ceiling")
}

func TestThrottle_RestoreStopsAtCeiling(t *testing.T) {
	th := NewThrottle(8)

	th.restore()
	assert.InDelta(t, 8.0, float64(th.Rate()), 0.001)

	th.backoff()
	th.restore()
	assert.InDelta(t, 4.8, float64(th.Rate()), 0.001)

	for range 10 {
		th.restore()
	}
	assert.InDelta(t, 8.0, float64(th.Rate()), 0.001)
}

func TestPerMinute(t *testing.T) {
	assert.InDelta(t, 0.5, float64(PerMinute(30).Rate()), 0.0001)
	assert.Equal(t, rate.Inf, PerMinute(0).Rate())
	assert.Equal(t, rate.Inf, PerMinute(-5).Rate())
}

func TestThrottle_Wait(t *testing.T) {
	require.NoError(t, PerMinute(0).Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewThrottle(0.001).Wait(ctx))
}
