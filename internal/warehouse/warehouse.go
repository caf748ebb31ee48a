// Package warehouse persists raw price snapshots and the pipeline run log,
// and serves the read queries used by health monitoring.
package warehouse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/db"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

const (
	priceTable = "crypto_prices_raw"
	runTable   = "pipeline_runs"

	defaultBatchSize = 100
	defaultListLimit = 50
)

// RunFilter specifies criteria for listing pipeline run rows.
type RunFilter struct {
	RunID  string          `json:"run_id,omitempty"`
	Stage  model.Stage     `json:"stage,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Warehouse defines the persistence interface for the pipeline.
type Warehouse interface {
	// Writes
	BulkInsert(ctx context.Context, records []model.PriceRecord) (int, error)
	LogRun(ctx context.Context, entry model.RunLog) error

	// Reads
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	RunStatusCounts(ctx context.Context, since time.Time) ([]model.StageStatusCount, error)
	Freshness(ctx context.Context, since time.Time) (model.Freshness, error)
	Quality(ctx context.Context, since time.Time) (model.Quality, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the warehouse selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Warehouse, error) {
	switch cfg.Driver {
	case "", "postgres":
		return NewPostgres(ctx, cfg)
	case "sqlite":
		return NewSQLite(cfg.Path, cfg.BatchSize)
	default:
		return nil, eris.Errorf("warehouse: unknown driver %q", cfg.Driver)
	}
}

var priceColumns = []string{
	"id", "symbol", "name", "current_price", "market_cap", "total_volume",
	"price_change_24h", "price_change_percentage_24h", "price_change_percentage_1h",
	"price_change_percentage_7d", "market_cap_rank", "circulating_supply",
	"total_supply", "max_supply", "ath", "atl", "last_updated",
	"extracted_at", "created_at",
}

var runColumns = []string{
	"id", "run_id", "stage", "status", "records_processed",
	"error_message", "started_at", "completed_at",
}

var runUpsert = db.Upsert{
	Table:   runTable,
	Columns: runColumns,
	Key:     []string{"run_id", "stage"},
	Update:  []string{"status", "records_processed", "error_message", "completed_at"},
}

// stampRecords assigns a fresh id and insertion time to every record.
func stampRecords(records []model.PriceRecord, now time.Time) {
	for i := range records {
		records[i].ID = uuid.New().String()
		records[i].CreatedAt = now
	}
}

// priceValues returns r's column values in priceColumns order. ts converts
// timestamps to the driver's representation.
func priceValues(r *model.PriceRecord, ts func(time.Time) any) []any {
	return []any{
		r.ID, r.Symbol, r.Name, r.CurrentPrice, r.MarketCap, r.TotalVolume,
		r.PriceChange24h, r.PriceChangePercentage24h, r.PriceChangePercentage1h,
		r.PriceChangePercentage7d, r.MarketCapRank, r.CirculatingSupply,
		r.TotalSupply, r.MaxSupply, r.ATH, r.ATL, r.LastUpdated,
		ts(r.ExtractedAt), ts(r.CreatedAt),
	}
}

// runRow is a RunLog with defaults applied.
type runRow struct {
	id          string
	entry       model.RunLog
	startedAt   time.Time
	completedAt *time.Time
}

// newRunRow fills in the start time and, for terminal statuses, the
// completion time when the caller left them unset. Running rows keep an
// empty completion time.
func newRunRow(entry model.RunLog, now time.Time) runRow {
	row := runRow{id: uuid.New().String(), entry: entry, startedAt: now, completedAt: entry.CompletedAt}
	if entry.StartedAt != nil {
		row.startedAt = entry.StartedAt.UTC()
	}
	if row.completedAt == nil && entry.Status.IsTerminal() {
		row.completedAt = &now
	}
	return row
}

func (r runRow) values(ts func(time.Time) any) []any {
	var completed any
	if r.completedAt != nil {
		completed = ts(r.completedAt.UTC())
	}
	return []any{
		r.id, r.entry.RunID, string(r.entry.Stage), string(r.entry.Status),
		r.entry.RecordsProcessed, r.entry.ErrorMessage, ts(r.startedAt), completed,
	}
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func batchSize(n int) int {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}
