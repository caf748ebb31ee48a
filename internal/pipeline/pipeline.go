// Package pipeline runs one extract-then-load pass and records every stage
// transition in the run log.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/metrics"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

// Extractor fetches a batch of price records.
type Extractor interface {
	Extract(ctx context.Context) ([]model.PriceRecord, error)
}

// Loader persists price records and stage transitions.
type Loader interface {
	BulkInsert(ctx context.Context, records []model.PriceRecord) (int, error)
	LogRun(ctx context.Context, entry model.RunLog) error
}

// Result is the outcome of one run. Failures are reported here, never as a
// Go error.
type Result struct {
	RunID            string          `json:"run_id"`
	Status           model.RunStatus `json:"status"`
	RecordsProcessed int             `json:"records_processed"`
	Error            string          `json:"error,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Failed reports whether the run ended in failure.
func (r Result) Failed() bool { return r.Status == model.RunStatusFailed }

// Pipeline composes an Extractor and a Loader.
type Pipeline struct {
	extractor Extractor
	loader    Loader
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for run ids and stage times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(ex Extractor, ld Loader, opts ...Option) *Pipeline {
	p := &Pipeline{extractor: ex, loader: ld, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewRunID returns crypto_extract_<YYYYMMDD_HHMMSS>_<8 hex chars>, with the
// timestamp in UTC and the suffix taken from a random UUID.
func NewRunID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("crypto_extract_%s_%s", t.UTC().Format("20060102_150405"), suffix)
}

// stageResult carries the outcome of one stage up to Run.
type stageResult struct {
	records []model.PriceRecord
	count   int
	err     error
}

// Run executes extract then load. A failure in either stage is logged
// against that stage and ends the run; load is not attempted after a failed
// extract.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := p.now().UTC()
	runID := NewRunID(start)
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", runID))
	log.Info("pipeline: starting run")

	ext := p.extract(ctx, runID, start, log)
	if ext.err != nil {
		return p.finish(runID, start, model.StageExtract, ext, log)
	}

	ld := p.load(ctx, runID, ext.records, log)
	return p.finish(runID, start, model.StageLoad, ld, log)
}

func (p *Pipeline) extract(ctx context.Context, runID string, started time.Time, log *zap.Logger) stageResult {
	if err := p.logStage(ctx, runID, model.StageExtract, model.RunStatusRunning, 0, started); err != nil {
		return p.fail(ctx, runID, model.StageExtract, started, err, log)
	}

	records, err := p.extractor.Extract(ctx)
	if err != nil {
		return p.fail(ctx, runID, model.StageExtract, started, err, log)
	}
	log.Info("pipeline: extracted records", zap.Int("count", len(records)))

	if err := p.logStage(ctx, runID, model.StageExtract, model.RunStatusSuccess, len(records), started); err != nil {
		return p.fail(ctx, runID, model.StageExtract, started, err, log)
	}
	return stageResult{records: records, count: len(records)}
}

func (p *Pipeline) load(ctx context.Context, runID string, records []model.PriceRecord, log *zap.Logger) stageResult {
	started := p.now().UTC()
	if err := p.logStage(ctx, runID, model.StageLoad, model.RunStatusRunning, 0, started); err != nil {
		return p.fail(ctx, runID, model.StageLoad, started, err, log)
	}

	n, err := p.loader.BulkInsert(ctx, records)
	if err != nil {
		return p.fail(ctx, runID, model.StageLoad, started, err, log)
	}
	log.Info("pipeline: loaded records", zap.Int("count", n))

	if err := p.logStage(ctx, runID, model.StageLoad, model.RunStatusSuccess, n, started); err != nil {
		return p.fail(ctx, runID, model.StageLoad, started, err, log)
	}
	return stageResult{count: n}
}

// logStage upserts a stage row. Terminal statuses are stamped with a
// completion time; running rows are not.
func (p *Pipeline) logStage(ctx context.Context, runID string, stage model.Stage, status model.RunStatus, n int, started time.Time) error {
	entry := model.RunLog{
		RunID:            runID,
		Stage:            stage,
		Status:           status,
		RecordsProcessed: n,
		StartedAt:        &started,
	}
	if status.IsTerminal() {
		completed := p.now().UTC()
		entry.CompletedAt = &completed
	}
	return p.loader.LogRun(ctx, entry)
}

// fail records stage as failed with err's text. A failure to write that row
// is logged; err remains the stage outcome.
func (p *Pipeline) fail(ctx context.Context, runID string, stage model.Stage, started time.Time, err error, log *zap.Logger) stageResult {
	msg := err.Error()
	completed := p.now().UTC()
	logErr := p.loader.LogRun(ctx, model.RunLog{
		RunID:        runID,
		Stage:        stage,
		Status:       model.RunStatusFailed,
		ErrorMessage: &msg,
		StartedAt:    &started,
		CompletedAt:  &completed,
	})
	if logErr != nil {
		log.Warn("pipeline: failed to record stage failure",
			zap.String("stage", string(stage)),
			zap.Error(logErr),
		)
	}
	metrics.RecordStageFailure(string(stage))
	return stageResult{err: err}
}

func (p *Pipeline) finish(runID string, start time.Time, stage model.Stage, res stageResult, log *zap.Logger) Result {
	end := p.now().UTC()
	duration := end.Sub(start)

	if res.err != nil {
		log.Error("pipeline: run failed",
			zap.String("stage", string(stage)),
			zap.Duration("duration", duration),
			zap.Error(res.err),
		)
		metrics.RecordRun(string(model.RunStatusFailed), 0, duration)
		return Result{
			RunID:     runID,
			Status:    model.RunStatusFailed,
			Error:     res.err.Error(),
			Timestamp: end,
		}
	}

	log.Info("pipeline: run complete",
		zap.Int("records", res.count),
		zap.Duration("duration", duration),
	)
	metrics.RecordRun(string(model.RunStatusSuccess), res.count, duration)
	return Result{
		RunID:            runID,
		Status:           model.RunStatusSuccess,
		RecordsProcessed: res.count,
		Timestamp:        end,
	}
}
