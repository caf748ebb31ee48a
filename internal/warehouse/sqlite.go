package warehouse

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crypto-pipeline/internal/db"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

// sqliteTimeFormat is fixed-width UTC so timestamps compare correctly as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteWarehouse implements Warehouse using modernc.org/sqlite.
type SQLiteWarehouse struct {
	db        *sql.DB
	batchSize int
	now       func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, batch int) (*SQLiteWarehouse, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteWarehouse{db: sqlDB, batchSize: batchSize(batch), now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS crypto_prices_raw (
	id                          TEXT PRIMARY KEY,
	symbol                      TEXT NOT NULL,
	name                        TEXT NOT NULL,
	current_price               REAL NOT NULL DEFAULT 0,
	market_cap                  REAL,
	total_volume                REAL,
	price_change_24h            REAL,
	price_change_percentage_24h REAL,
	price_change_percentage_1h  REAL,
	price_change_percentage_7d  REAL,
	market_cap_rank             INTEGER,
	circulating_supply          REAL,
	total_supply                REAL,
	max_supply                  REAL,
	ath                         REAL,
	atl                         REAL,
	last_updated                TEXT,
	extracted_at                TEXT NOT NULL,
	created_at                  TEXT NOT NULL,
	CONSTRAINT uq_symbol_extracted_at UNIQUE (symbol, extracted_at)
);

CREATE INDEX IF NOT EXISTS ix_crypto_prices_symbol ON crypto_prices_raw(symbol);
CREATE INDEX IF NOT EXISTS ix_crypto_prices_extracted_at ON crypto_prices_raw(extracted_at);
CREATE INDEX IF NOT EXISTS ix_crypto_prices_symbol_extracted_at ON crypto_prices_raw(symbol, extracted_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	stage             TEXT NOT NULL,
	status            TEXT NOT NULL,
	records_processed INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT,
	started_at        TEXT NOT NULL,
	completed_at      TEXT,
	CONSTRAINT uq_run_id_stage UNIQUE (run_id, stage)
);

CREATE INDEX IF NOT EXISTS ix_pipeline_runs_run_id_stage ON pipeline_runs(run_id, stage);
CREATE INDEX IF NOT EXISTS ix_pipeline_runs_started_at ON pipeline_runs(started_at);
`

// Migrate creates both tables and their indexes if they do not exist.
func (w *SQLiteWarehouse) Migrate(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping verifies the database file is reachable.
func (w *SQLiteWarehouse) Ping(ctx context.Context) error {
	return eris.Wrap(w.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (w *SQLiteWarehouse) Close() error {
	return w.db.Close()
}

func sqliteTime(t time.Time) any { return t.UTC().Format(sqliteTimeFormat) }

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (w *SQLiteWarehouse) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// BulkInsert writes records in one transaction as chunked multi-row INSERTs.
// Each record is assigned a fresh id and creation time. On any failure the
// whole batch is rolled back.
func (w *SQLiteWarehouse) BulkInsert(ctx context.Context, records []model.PriceRecord) (int, error) {
	if len(records) == 0 {
		zap.L().Debug("sqlite: no price records to insert")
		return 0, nil
	}

	stampRecords(records, w.now().UTC())

	err := w.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(records); start += w.batchSize {
			end := min(start+w.batchSize, len(records))
			args := make([]any, 0, (end-start)*len(priceColumns))
			for i := start; i < end; i++ {
				args = append(args, priceValues(&records[i], sqliteTime)...)
			}
			query := db.InsertSQL(priceTable, priceColumns, end-start, db.Question)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return eris.Wrapf(err, "sqlite: insert into %s (rows %d-%d)", priceTable, start, end-1)
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bulk insert %d price records", len(records))
	}

	zap.L().Info("sqlite: inserted price records", zap.Int("count", len(records)))
	return len(records), nil
}

// LogRun upserts the (run_id, stage) row inside a transaction.
func (w *SQLiteWarehouse) LogRun(ctx context.Context, entry model.RunLog) error {
	query, err := runUpsert.SQL(db.Question)
	if err != nil {
		return err
	}
	row := newRunRow(entry, w.now().UTC())

	err = w.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, row.values(sqliteTime)...)
		return err
	})
	return eris.Wrapf(err, "sqlite: log run %s [%s:%s]", entry.RunID, entry.Stage, entry.Status)
}

// ListRuns returns run rows newest first.
func (w *SQLiteWarehouse) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, run_id, stage, status, records_processed, error_message, started_at, completed_at FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, stage LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PipelineRun
	for rows.Next() {
		var (
			r                 model.PipelineRun
			stage, status     string
			errMsg, completed sql.NullString
			startedAt         string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &stage, &status, &r.RecordsProcessed, &errMsg, &startedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Stage = model.Stage(stage)
		r.Status = model.RunStatus(status)
		r.ErrorMessage = errMsg.String
		if r.StartedAt, err = parseSQLiteTime(startedAt); err != nil {
			return nil, err
		}
		if completed.Valid {
			t, err := parseSQLiteTime(completed.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// RunStatusCounts groups run rows started since the given time by stage and
// status.
func (w *SQLiteWarehouse) RunStatusCounts(ctx context.Context, since time.Time) ([]model.StageStatusCount, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT stage, status, COUNT(*) FROM pipeline_runs WHERE started_at >= ? GROUP BY stage, status ORDER BY stage, status`,
		sqliteTime(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run status counts")
	}
	defer rows.Close() //nolint:errcheck

	var counts []model.StageStatusCount
	for rows.Next() {
		var stage, status string
		var n int64
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run status count")
		}
		counts = append(counts, model.StageStatusCount{Stage: model.Stage(stage), Status: model.RunStatus(status), Count: n})
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: run status counts iterate")
}

// Freshness reports the latest extraction time and the row count since the
// given time.
func (w *SQLiteWarehouse) Freshness(ctx context.Context, since time.Time) (model.Freshness, error) {
	var latest sql.NullString
	var f model.Freshness
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(extracted_at), COUNT(*) FROM crypto_prices_raw WHERE extracted_at >= ?`,
		sqliteTime(since),
	).Scan(&latest, &f.RecordsLast24h)
	if err != nil {
		return model.Freshness{}, eris.Wrap(err, "sqlite: freshness")
	}
	if latest.Valid {
		t, err := parseSQLiteTime(latest.String)
		if err != nil {
			return model.Freshness{}, err
		}
		f.LatestExtraction = &t
	}
	return f, nil
}

// Quality summarizes price rows extracted since the given time.
func (w *SQLiteWarehouse) Quality(ctx context.Context, since time.Time) (model.Quality, error) {
	var q model.Quality
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN current_price > 0 THEN 1 ELSE 0 END), 0), COALESCE(AVG(current_price), 0) FROM crypto_prices_raw WHERE extracted_at >= ?`,
		sqliteTime(since),
	).Scan(&q.TotalRecordsLastHour, &q.ValidPriceRecords, &q.AveragePrice)
	if err != nil {
		return model.Quality{}, eris.Wrap(err, "sqlite: quality")
	}
	return q, nil
}
