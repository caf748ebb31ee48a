// Package extract pulls market snapshots from CoinGecko and normalizes them
// into price records.
package extract

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/metrics"
	"github.com/sells-group/crypto-pipeline/internal/model"
	"github.com/sells-group/crypto-pipeline/internal/resilience"
	"github.com/sells-group/crypto-pipeline/pkg/coingecko"
)

// ClientFactory opens a client session for one extraction.
type ClientFactory func() coingecko.Client

// Extractor fetches the configured symbols in one batched request.
type Extractor struct {
	symbols []string
	open    ClientFactory
	retry   resilience.Policy
	now     func() time.Time
	log     *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClientFactory replaces the CoinGecko client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(e *Extractor) {
		e.open = f
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *Extractor) {
		e.retry = p
	}
}

// WithClock overrides the extraction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// New creates an Extractor. All sessions it opens share one throttle.
func New(pipeline config.PipelineConfig, api config.APIConfig, opts ...Option) *Extractor {
	throttle := coingecko.PerMinute(api.RequestsPerMinute)
	timeout := time.Duration(pipeline.TimeoutSeconds) * time.Second

	retry := resilience.FromAPIConfig(pipeline.MaxRetries, api)
	retry.OnRetry = resilience.LogRetries("coingecko", "markets")

	e := &Extractor{
		symbols: pipeline.Symbols,
		open: func() coingecko.Client {
			return coingecko.NewClient(api.Key,
				coingecko.WithBaseURL(api.BaseURL),
				coingecko.WithKeyHeader(api.KeyHeader),
				coingecko.WithTimeout(timeout),
				coingecko.WithThrottle(throttle),
			)
		},
		retry: retry,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "extract")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract fetches current market data for the configured symbols. Coins the
// API does not return are omitted. Every record shares one extraction
// timestamp, taken after the response is parsed.
func (e *Extractor) Extract(ctx context.Context) ([]model.PriceRecord, error) {
	client := e.open()
	defer client.Close()

	e.log.Info("fetching market data", zap.String("ids", strings.Join(e.symbols, ",")))

	req := coingecko.MarketsRequest{IDs: e.symbols}
	coins, err := resilience.Do(ctx, e.retry, func(ctx context.Context) ([]coingecko.Coin, error) {
		coins, err := client.Markets(ctx, req)
		metrics.RecordAPIRequest(outcome(err))
		if err != nil {
			return nil, classify(err)
		}
		return coins, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: fetch markets")
	}

	records := Normalize(coins, e.now().UTC())
	e.log.Info("extracted market data",
		zap.Int("requested", len(e.symbols)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// classify marks which client errors the retry policy may repeat. A 429 is
// transient; any other HTTP status is final. Transport, timeout and decode
// failures are transient.
func classify(err error) error {
	var apiErr *coingecko.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			return resilience.Transient(err, apiErr.StatusCode)
		}
		return err
	}
	return resilience.Transient(err, 0)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *coingecko.APIError
	if !errors.As(err, &apiErr) {
		return "transport_error"
	}
	switch {
	case apiErr.RateLimited():
		return "rate_limited"
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "client_error"
	}
}

// Normalize converts API coins into price records stamped with extractedAt.
// Symbols are upper-cased, a missing name is empty and a missing price is 0.
func Normalize(coins []coingecko.Coin, extractedAt time.Time) []model.PriceRecord {
	records := make([]model.PriceRecord, 0, len(coins))
	for _, c := range coins {
		var price float64
		if c.CurrentPrice != nil {
			price = *c.CurrentPrice
		}
		records = append(records, model.PriceRecord{
			Symbol:                   model.NormalizeSymbol(c.Symbol),
			Name:                     c.Name,
			CurrentPrice:             price,
			MarketCap:                c.MarketCap,
			TotalVolume:              c.TotalVolume,
			PriceChange24h:           c.PriceChange24h,
			PriceChangePercentage24h: c.PriceChangePercentage24h,
			PriceChangePercentage1h:  c.PriceChangePercentage1hInCurrency,
			PriceChangePercentage7d:  c.PriceChangePercentage7dInCurrency,
			MarketCapRank:            c.MarketCapRank,
			CirculatingSupply:        c.CirculatingSupply,
			TotalSupply:              c.TotalSupply,
			MaxSupply:                c.MaxSupply,
			ATH:                      c.ATH,
			ATL:                      c.ATL,
			LastUpdated:              c.LastUpdated,
			ExtractedAt:              extractedAt,
		})
	}
	return records
}
