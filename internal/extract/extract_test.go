package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/resilience"
	"github.com/sells-group/crypto-pipeline/pkg/coingecko"
)

const threeCoins = `[
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":67000,"market_cap_rank":1},
	{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":3200.5},
	{"id":"cardano","symbol":"ada","name":"Cardano","current_price":0.45}
]`

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfigs(baseURL string) (config.PipelineConfig, config.APIConfig) {
	return config.PipelineConfig{
			Symbols:        []string{"bitcoin", "ethereum", "cardano"},
			MaxRetries:     3,
			TimeoutSeconds: 5,
		}, config.APIConfig{
			BaseURL:           baseURL,
			Key:               "test-key",
			KeyHeader:         "x-cg-demo-api-key",
			RequestsPerMinute: 6000,
			RetryWindowSecs:   60,
		}
}

func fastRetry() resilience.Policy {
	return resilience.Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Factor:    2,
		Cooldown:  time.Millisecond,
	}
}

// sequenceServer answers successive requests with the given statuses; the
// final status repeats once the list is exhausted.
func sequenceServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1))
		status := statuses[min(n, len(statuses))-1]
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(threeCoins))
			return
		}
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestExtract_Success(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusOK)
	pipe, api := testConfigs(srv.URL)

	e := New(pipe, api, WithRetryPolicy(fastRetry()), WithClock(func() time.Time { return fixedNow }))
	records, err := e.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, "BTC", records[0].Symbol)
	assert.Equal(t, "ETH", records[1].Symbol)
	assert.Equal(t, "ADA", records[2].Symbol)
	for _, r := range records {
		assert.Equal(t, fixedNow, r.ExtractedAt)
		assert.Empty(t, r.ID)
	}
}

func TestExtract_RateLimitedThenSuccess(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK)
	pipe, api := testConfigs(srv.URL)

	direct, _ := sequenceServer(t, http.StatusOK)
	_, directAPI := testConfigs(direct.URL)

	e := New(pipe, api, WithRetryPolicy(fastRetry()), WithClock(func() time.Time { return fixedNow }))
	got, err := e.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	want, err := New(pipe, directAPI, WithRetryPolicy(fastRetry()), WithClock(func() time.Time { return fixedNow })).
		Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExtract_RateLimitedExhaustsAttempts(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK)
	pipe, api := testConfigs(srv.URL)

	e := New(pipe, api, WithRetryPolicy(fastRetry()))
	_, err := e.Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestExtract_NonRetryableStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{"unauthorized", http.StatusUnauthorized, "authentication error 401"},
		{"forbidden", http.StatusForbidden, "forbidden 403"},
		{"not_found", http.StatusNotFound, "unexpected status 404"},
		{"server_error", http.StatusInternalServerError, "unexpected status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := sequenceServer(t, tt.status, http.StatusOK)
			pipe, api := testConfigs(srv.URL)

			_, err := New(pipe, api, WithRetryPolicy(fastRetry())).Extract(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), `{"error":"nope"}`)
			assert.Equal(t, int32(1), calls.Load())

			var apiErr *coingecko.APIError
			assert.True(t, errors.As(err, &apiErr))
		})
	}
}

func TestExtract_TransportErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(threeCoins))
	}))
	defer srv.Close()
	pipe, api := testConfigs(srv.URL)

	records, err := New(pipe, api, WithRetryPolicy(fastRetry())).Extract(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtract_ZeroRetriesSingleAttempt(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusTooManyRequests, http.StatusOK)
	pipe, api := testConfigs(srv.URL)
	pipe.MaxRetries = 0

	_, err := New(pipe, api).Extract(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

type fakeClient struct {
	coins  []coingecko.Coin
	err    error
	closed *atomic.Int32
}

func (f *fakeClient) Markets(context.Context, coingecko.MarketsRequest) ([]coingecko.Coin, error) {
	return f.coins, f.err
}

func (f *fakeClient) Close() { f.closed.Add(1) }

func TestExtract_ClosesSessionOnEveryPath(t *testing.T) {
	pipe, api := testConfigs("http://unused")

	for _, clientErr := range []error{nil, &coingecko.APIError{StatusCode: 401, Body: "bad key"}} {
		var closed, opened atomic.Int32
		e := New(pipe, api,
			WithRetryPolicy(fastRetry()),
			WithClientFactory(func() coingecko.Client {
				opened.Add(1)
				return &fakeClient{err: clientErr, closed: &closed}
			}),
		)
		_, _ = e.Extract(context.Background())
		assert.Equal(t, int32(1), opened.Load())
		assert.Equal(t, int32(1), closed.Load())
	}
}

func TestExtract_AbsentCoinsOmitted(t *testing.T) {
	pipe, api := testConfigs("http://unused")
	price := 67000.0
	var closed atomic.Int32

	e := New(pipe, api, WithClientFactory(func() coingecko.Client {
		return &fakeClient{coins: []coingecko.Coin{{Symbol: "btc", Name: "Bitcoin", CurrentPrice: &price}}, closed: &closed}
	}))
	records, err := e.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BTC", records[0].Symbol)
}

func TestNormalize_Defaults(t *testing.T) {
	rank := 3
	pct := 1.5
	at := fixedNow

	records := Normalize([]coingecko.Coin{
		{Symbol: "eth", MarketCapRank: &rank, PriceChangePercentage1hInCurrency: &pct},
	}, at)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "ETH", r.Symbol)
	assert.Equal(t, "", r.Name)
	assert.Zero(t, r.CurrentPrice)
	assert.Nil(t, r.MarketCap)
	assert.Nil(t, r.LastUpdated)
	require.NotNil(t, r.MarketCapRank)
	assert.Equal(t, 3, *r.MarketCapRank)
	require.NotNil(t, r.PriceChangePercentage1h)
	assert.InDelta(t, 1.5, *r.PriceChangePercentage1h, 0.0001)
	assert.Equal(t, at, r.ExtractedAt)
}

func TestNormalize_Empty(t *testing.T) {
	assert.Empty(t, Normalize(nil, fixedNow))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "transport_error", outcome(errors.New("connection reset")))
	assert.Equal(t, "rate_limited", outcome(&coingecko.APIError{StatusCode: 429}))
	assert.Equal(t, "server_error", outcome(&coingecko.APIError{StatusCode: 503}))
	assert.Equal(t, "client_error", outcome(&coingecko.APIError{StatusCode: 401}))
}

func TestClassify(t *testing.T) {
	assert.True(t, resilience.IsRateLimited(classify(&coingecko.APIError{StatusCode: 429})))
	assert.False(t, resilience.IsTransient(classify(&coingecko.APIError{StatusCode: 500})))
	assert.True(t, resilience.IsTransient(classify(errors.New("eof"))))
}
