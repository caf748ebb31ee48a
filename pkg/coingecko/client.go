package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL   = "https://api.coingecko.com/api/v3"
	defaultKeyHeader = "x-cg-demo-api-key"
)

// Client fetches market data from the CoinGecko API. A Client owns pooled
// connections; Close releases them.
type Client interface {
	Markets(ctx context.Context, req MarketsRequest) ([]Coin, error)
	Close()
}

// MarketsRequest holds the query for GET /coins/markets.
type MarketsRequest struct {
	IDs                   []string
	VsCurrency            string   // default "usd"
	Order                 string   // default "market_cap_desc"
	PerPage               int      // default len(IDs)
	Page                  int      // default 1
	PriceChangePercentage []string // default 1h, 24h, 7d
}

// Coin is one element of the /coins/markets response. Fields the API may
// omit or null are pointers.
type Coin struct {
	ID                                 string   `json:"id"`
	Symbol                             string   `json:"symbol"`
	Name                               string   `json:"name"`
	CurrentPrice                       *float64 `json:"current_price"`
	MarketCap                          *float64 `json:"market_cap"`
	MarketCapRank                      *int     `json:"market_cap_rank"`
	TotalVolume                        *float64 `json:"total_volume"`
	PriceChange24h                     *float64 `json:"price_change_24h"`
	PriceChangePercentage24h           *float64 `json:"price_change_percentage_24h"`
	PriceChangePercentage1hInCurrency  *float64 `json:"price_change_percentage_1h_in_currency"`
	PriceChangePercentage24hInCurrency *float64 `json:"price_change_percentage_24h_in_currency"`
	PriceChangePercentage7dInCurrency  *float64 `json:"price_change_percentage_7d_in_currency"`
	CirculatingSupply                  *float64 `json:"circulating_supply"`
	TotalSupply                        *float64 `json:"total_supply"`
	MaxSupply                          *float64 `json:"max_supply"`
	ATH                                *float64 `json:"ath"`
	ATL                                *float64 `json:"atl"`
	LastUpdated                        *string  `json:"last_updated"`
}

// APIError is returned for any non-200 response. Body holds the raw
// response body.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Sprintf("coingecko: authentication error %d: check your API key: %s", e.StatusCode, e.Body)
	case http.StatusForbidden:
		return fmt.Sprintf("coingecko: forbidden %d: check your API key permissions: %s", e.StatusCode, e.Body)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("coingecko: rate limit exceeded %d", e.StatusCode)
	default:
		return fmt.Sprintf("coingecko: unexpected status %d: %s", e.StatusCode, e.Body)
	}
}

// RateLimited reports whether the response was HTTP 429.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithKeyHeader overrides the header carrying the API key
// (e.g. "x-cg-pro-api-key").
func WithKeyHeader(h string) Option {
	return func(c *httpClient) {
		if h != "" {
			c.keyHeader = h
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithThrottle paces requests through t, which may be shared by many
// clients. Without it requests are not paced client-side.
func WithThrottle(t *Throttle) Option {
	return func(c *httpClient) {
		c.throttle = t
	}
}

type httpClient struct {
	apiKey    string
	baseURL   string
	keyHeader string
	http      *http.Client
	throttle  *Throttle
}

// NewClient creates a CoinGecko API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		keyHeader: defaultKeyHeader,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Markets(ctx context.Context, req MarketsRequest) ([]Coin, error) {
	if len(req.IDs) == 0 {
		return nil, eris.New("coingecko: markets: no coin ids")
	}

	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "coingecko: throttle wait")
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/coins/markets?"+marketsQuery(req).Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "coingecko: create request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "coingecko: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "coingecko: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if c.throttle != nil && apiErr.RateLimited() {
			c.throttle.backoff()
		}
		return nil, apiErr
	}
	if c.throttle != nil {
		c.throttle.restore()
	}

	var coins []Coin
	if err := json.Unmarshal(respBody, &coins); err != nil {
		return nil, eris.Wrap(err, "coingecko: unmarshal response")
	}
	return coins, nil
}

// Close releases idle connections held by the underlying transport.
func (c *httpClient) Close() {
	c.http.CloseIdleConnections()
}

func marketsQuery(req MarketsRequest) url.Values {
	q := url.Values{}
	q.Set("vs_currency", orDefault(req.VsCurrency, "usd"))
	q.Set("ids", strings.Join(req.IDs, ","))
	q.Set("order", orDefault(req.Order, "market_cap_desc"))

	perPage := req.PerPage
	if perPage <= 0 {
		perPage = len(req.IDs)
	}
	q.Set("per_page", strconv.Itoa(perPage))

	page := req.Page
	if page <= 0 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "false")

	pcp := req.PriceChangePercentage
	if len(pcp) == 0 {
		pcp = []string{"1h", "24h", "7d"}
	}
	q.Set("price_change_percentage", strings.Join(pcp, ","))
	return q
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
