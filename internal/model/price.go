package model

import (
	"strings"
	"time"
)

// PriceRecord is one raw market snapshot for a single coin, as stored in
// crypto_prices_raw. (Symbol, ExtractedAt) is the natural key.
type PriceRecord struct {
	ID                       string    `json:"id" yaml:"id"`
	Symbol                   string    `json:"symbol" yaml:"symbol"`
	Name                     string    `json:"name" yaml:"name"`
	CurrentPrice             float64   `json:"current_price" yaml:"current_price"`
	MarketCap                *float64  `json:"market_cap,omitempty" yaml:"market_cap,omitempty"`
	TotalVolume              *float64  `json:"total_volume,omitempty" yaml:"total_volume,omitempty"`
	PriceChange24h           *float64  `json:"price_change_24h,omitempty" yaml:"price_change_24h,omitempty"`
	PriceChangePercentage24h *float64  `json:"price_change_percentage_24h,omitempty" yaml:"price_change_percentage_24h,omitempty"`
	PriceChangePercentage1h  *float64  `json:"price_change_percentage_1h,omitempty" yaml:"price_change_percentage_1h,omitempty"`
	PriceChangePercentage7d  *float64  `json:"price_change_percentage_7d,omitempty" yaml:"price_change_percentage_7d,omitempty"`
	MarketCapRank            *int      `json:"market_cap_rank,omitempty" yaml:"market_cap_rank,omitempty"`
	CirculatingSupply        *float64  `json:"circulating_supply,omitempty" yaml:"circulating_supply,omitempty"`
	TotalSupply              *float64  `json:"total_supply,omitempty" yaml:"total_supply,omitempty"`
	MaxSupply                *float64  `json:"max_supply,omitempty" yaml:"max_supply,omitempty"`
	ATH                      *float64  `json:"ath,omitempty" yaml:"ath,omitempty"`
	ATL                      *float64  `json:"atl,omitempty" yaml:"atl,omitempty"`
	LastUpdated              *string   `json:"last_updated,omitempty" yaml:"last_updated,omitempty"`
	ExtractedAt              time.Time `json:"extracted_at" yaml:"extracted_at"`
	CreatedAt                time.Time `json:"created_at" yaml:"created_at"`
}

// NormalizeSymbol upper-cases a ticker symbol. Applying it twice is a no-op.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Freshness reports the recency of stored price data.
type Freshness struct {
	LatestExtraction *time.Time `json:"latest_extraction" yaml:"latest_extraction"`
	RecordsLast24h   int64      `json:"records_last_24h" yaml:"records_last_24h"`
}

// Quality summarizes recent price data.
type Quality struct {
	TotalRecordsLastHour int64   `json:"total_records_last_hour" yaml:"total_records_last_hour"`
	ValidPriceRecords    int64   `json:"valid_price_records" yaml:"valid_price_records"`
	AveragePrice         float64 `json:"average_price" yaml:"average_price"`
}

// ValidRatio returns the share of recent records with a positive price.
// It is 0 when there are no records.
func (q Quality) ValidRatio() float64 {
	if q.TotalRecordsLastHour == 0 {
		return 0
	}
	return float64(q.ValidPriceRecords) / float64(q.TotalRecordsLastHour)
}
