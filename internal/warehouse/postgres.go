package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/db"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

// PostgresWarehouse implements Warehouse using pgxpool.
type PostgresWarehouse struct {
	pool      db.Pool
	closeFn   func()
	batchSize int
	now       func() time.Time
}

// NewPostgres creates a PostgresWarehouse with a connection pool sized for a
// scheduled run plus concurrent health checks.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresWarehouse, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(30)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresWarehouse{
		pool:      pool,
		closeFn:   pool.Close,
		batchSize: batchSize(cfg.BatchSize),
		now:       time.Now,
	}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS crypto_prices_raw (
	id                          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	symbol                      VARCHAR(20) NOT NULL,
	name                        VARCHAR(100) NOT NULL,
	current_price               DOUBLE PRECISION NOT NULL DEFAULT 0,
	market_cap                  DOUBLE PRECISION,
	total_volume                DOUBLE PRECISION,
	price_change_24h            DOUBLE PRECISION,
	price_change_percentage_24h DOUBLE PRECISION,
	price_change_percentage_1h  DOUBLE PRECISION,
	price_change_percentage_7d  DOUBLE PRECISION,
	market_cap_rank             INTEGER,
	circulating_supply          DOUBLE PRECISION,
	total_supply                DOUBLE PRECISION,
	max_supply                  DOUBLE PRECISION,
	ath                         DOUBLE PRECISION,
	atl                         DOUBLE PRECISION,
	last_updated                VARCHAR(50),
	extracted_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_symbol_extracted_at UNIQUE (symbol, extracted_at)
);

CREATE INDEX IF NOT EXISTS ix_crypto_prices_symbol ON crypto_prices_raw(symbol);
CREATE INDEX IF NOT EXISTS ix_crypto_prices_extracted_at ON crypto_prices_raw(extracted_at);
CREATE INDEX IF NOT EXISTS ix_crypto_prices_symbol_extracted_at ON crypto_prices_raw(symbol, extracted_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id            VARCHAR(100) NOT NULL,
	stage             VARCHAR(50) NOT NULL,
	status            VARCHAR(20) NOT NULL,
	records_processed INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	CONSTRAINT uq_run_id_stage UNIQUE (run_id, stage)
);

CREATE INDEX IF NOT EXISTS ix_pipeline_runs_run_id_stage ON pipeline_runs(run_id, stage);
CREATE INDEX IF NOT EXISTS ix_pipeline_runs_started_at ON pipeline_runs(started_at);
`

// Migrate creates both tables and their indexes if they do not exist.
func (w *PostgresWarehouse) Migrate(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping verifies the pool can reach the database.
func (w *PostgresWarehouse) Ping(ctx context.Context) error {
	return eris.Wrap(w.pool.Ping(ctx), "postgres: ping")
}

// Close releases all pooled connections.
func (w *PostgresWarehouse) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}
	return nil
}

func pgTime(t time.Time) any { return t }

// BulkInsert writes records in one transaction as chunked multi-row INSERTs.
// Each record is assigned a fresh id and creation time. On any failure the
// whole batch is rolled back.
func (w *PostgresWarehouse) BulkInsert(ctx context.Context, records []model.PriceRecord) (int, error) {
	if len(records) == 0 {
		zap.L().Debug("postgres: no price records to insert")
		return 0, nil
	}

	stampRecords(records, w.now().UTC())
	rows := make([][]any, len(records))
	for i := range records {
		rows[i] = priceValues(&records[i], pgTime)
	}

	err := db.WithTx(ctx, w.pool, func(tx pgx.Tx) error {
		_, err := db.InsertChunked(ctx, tx, priceTable, priceColumns, rows, w.batchSize)
		return err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: bulk insert %d price records", len(records))
	}

	zap.L().Info("postgres: inserted price records", zap.Int("count", len(records)))
	return len(records), nil
}

// LogRun upserts the (run_id, stage) row inside a transaction.
func (w *PostgresWarehouse) LogRun(ctx context.Context, entry model.RunLog) error {
	query, err := runUpsert.SQL(db.Dollar)
	if err != nil {
		return err
	}
	row := newRunRow(entry, w.now().UTC())

	err = db.WithTx(ctx, w.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, row.values(pgTime)...)
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "postgres: log run %s [%s:%s]", entry.RunID, entry.Stage, entry.Status)
	}

	zap.L().Debug("postgres: logged pipeline run",
		zap.String("run_id", entry.RunID),
		zap.String("stage", string(entry.Stage)),
		zap.String("status", string(entry.Status)),
	)
	return nil
}

// ListRuns returns run rows newest first.
func (w *PostgresWarehouse) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, run_id, stage, status, records_processed, error_message, started_at, completed_at FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(` AND run_id = $%d`, len(args))
	}
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		query += fmt.Sprintf(` AND stage = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY started_at DESC, stage LIMIT $%d`, len(args))

	rows, err := w.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var (
			r             model.PipelineRun
			stage, status string
			errMsg        *string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &stage, &status, &r.RecordsProcessed, &errMsg, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Stage = model.Stage(stage)
		r.Status = model.RunStatus(status)
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// RunStatusCounts groups run rows started since the given time by stage and
// status.
func (w *PostgresWarehouse) RunStatusCounts(ctx context.Context, since time.Time) ([]model.StageStatusCount, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT stage, status, COUNT(*) FROM pipeline_runs WHERE started_at >= $1 GROUP BY stage, status ORDER BY stage, status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run status counts")
	}
	defer rows.Close()

	var counts []model.StageStatusCount
	for rows.Next() {
		var stage, status string
		var n int64
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run status count")
		}
		counts = append(counts, model.StageStatusCount{Stage: model.Stage(stage), Status: model.RunStatus(status), Count: n})
	}
	return counts, eris.Wrap(rows.Err(), "postgres: run status counts iterate")
}

// Freshness reports the latest extraction time and the row count since the
// given time.
func (w *PostgresWarehouse) Freshness(ctx context.Context, since time.Time) (model.Freshness, error) {
	var f model.Freshness
	err := w.pool.QueryRow(ctx,
		`SELECT MAX(extracted_at), COUNT(*) FROM crypto_prices_raw WHERE extracted_at >= $1`,
		since.UTC(),
	).Scan(&f.LatestExtraction, &f.RecordsLast24h)
	if err != nil {
		return model.Freshness{}, eris.Wrap(err, "postgres: freshness")
	}
	if f.LatestExtraction != nil {
		t := f.LatestExtraction.UTC()
		f.LatestExtraction = &t
	}
	return f, nil
}

// Quality summarizes price rows extracted since the given time.
func (w *PostgresWarehouse) Quality(ctx context.Context, since time.Time) (model.Quality, error) {
	var q model.Quality
	err := w.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE current_price > 0), COALESCE(AVG(current_price), 0) FROM crypto_prices_raw WHERE extracted_at >= $1`,
		since.UTC(),
	).Scan(&q.TotalRecordsLastHour, &q.ValidPriceRecords, &q.AveragePrice)
	if err != nil {
		return model.Quality{}, eris.Wrap(err, "postgres: quality")
	}
	return q, nil
}
