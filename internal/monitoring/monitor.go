// Package monitoring classifies pipeline health from the warehouse run log
// and recent price data.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
	StatusError     Status = "error"
)

// Issue texts surfaced to dashboards.
const (
	IssueStaleData = "Data is stale - no recent extractions"
	IssueNoRuns    = "No pipeline run data available"
)

// Section names used as keys in HealthSnapshot.SectionErrors.
const (
	SectionPipelineRuns  = "pipeline_runs"
	SectionDataFreshness = "data_freshness"
	SectionDataQuality   = "data_quality"
)

const (
	defaultStaleAfter    = 2 * time.Hour
	defaultLookback      = 24 * time.Hour
	defaultQualityWindow = time.Hour
)

// Querier is the read side of the warehouse used for health checks.
type Querier interface {
	Ping(ctx context.Context) error
	RunStatusCounts(ctx context.Context, since time.Time) ([]model.StageStatusCount, error)
	Freshness(ctx context.Context, since time.Time) (model.Freshness, error)
	Quality(ctx context.Context, since time.Time) (model.Quality, error)
}

// HealthSnapshot is a point-in-time view of pipeline health. It is computed
// on every check and never persisted.
type HealthSnapshot struct {
	Timestamp     time.Time                `json:"timestamp" yaml:"timestamp"`
	Status        Status                   `json:"status" yaml:"status"`
	PipelineRuns  []model.StageStatusCount `json:"pipeline_runs" yaml:"pipeline_runs"`
	DataFreshness model.Freshness          `json:"data_freshness" yaml:"data_freshness"`
	DataQuality   model.Quality            `json:"data_quality" yaml:"data_quality"`
	Issues        []string                 `json:"issues,omitempty" yaml:"issues,omitempty"`
	Error         string                   `json:"error,omitempty" yaml:"error,omitempty"`
	SectionErrors map[string]string        `json:"section_errors,omitempty" yaml:"section_errors,omitempty"`
}

// Monitor computes HealthSnapshots from a Querier.
type Monitor struct {
	q             Querier
	staleAfter    time.Duration
	lookback      time.Duration
	qualityWindow time.Duration
	now           func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for query windows and staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor. Zero config values fall back to a 2h stale
// threshold, a 24h lookback and a 1h quality window.
func NewMonitor(q Querier, cfg config.MonitoringConfig, opts ...Option) *Monitor {
	m := &Monitor{
		q:             q,
		staleAfter:    minutesOr(cfg.StaleAfterMinutes, defaultStaleAfter),
		lookback:      hoursOr(cfg.LookbackHours, defaultLookback),
		qualityWindow: minutesOr(cfg.QualityWindowMinutes, defaultQualityWindow),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ErrorSnapshot is the snapshot reported when the warehouse cannot be
// reached at all.
func ErrorSnapshot(now time.Time, err error) *HealthSnapshot {
	return &HealthSnapshot{
		Timestamp:    now.UTC(),
		Status:       StatusError,
		PipelineRuns: []model.StageStatusCount{},
		Error:        err.Error(),
	}
}

// Check runs the health queries and classifies the result. Failures are
// reported in the snapshot, never returned.
func (m *Monitor) Check(ctx context.Context) *HealthSnapshot {
	now := m.now().UTC()
	snap := &HealthSnapshot{
		Timestamp:    now,
		Status:       StatusHealthy,
		PipelineRuns: []model.StageStatusCount{},
	}
	log := zap.L().With(zap.String("component", "monitoring"))

	if err := m.q.Ping(ctx); err != nil {
		err = eris.Wrap(err, "monitoring: ping warehouse")
		log.Error("monitoring: health check failed", zap.Error(err))
		return ErrorSnapshot(now, err)
	}

	since := now.Add(-m.lookback)
	var (
		runs    []model.StageStatusCount
		fresh   model.Freshness
		quality model.Quality
	)
	var runsErr, freshErr, qualityErr error

	// Each query degrades independently, so none of them cancels the others.
	var g errgroup.Group
	g.Go(func() error {
		runs, runsErr = m.q.RunStatusCounts(ctx, since)
		return nil
	})
	g.Go(func() error {
		fresh, freshErr = m.q.Freshness(ctx, since)
		return nil
	})
	g.Go(func() error {
		quality, qualityErr = m.q.Quality(ctx, now.Add(-m.qualityWindow))
		return nil
	})
	_ = g.Wait()

	record := func(section string, err error) {
		if err == nil {
			return
		}
		if snap.SectionErrors == nil {
			snap.SectionErrors = make(map[string]string, 3)
		}
		snap.SectionErrors[section] = err.Error()
		log.Warn("monitoring: health query failed", zap.String("section", section), zap.Error(err))
	}
	record(SectionPipelineRuns, runsErr)
	record(SectionDataFreshness, freshErr)
	record(SectionDataQuality, qualityErr)

	if runsErr != nil && freshErr != nil && qualityErr != nil {
		snap.Status = StatusError
		snap.Error = eris.Wrap(runsErr, "monitoring: all health queries failed").Error()
		return snap
	}

	if runsErr == nil && runs != nil {
		snap.PipelineRuns = runs
	}
	if freshErr == nil {
		snap.DataFreshness = fresh
	}
	if qualityErr == nil {
		snap.DataQuality = quality
	}

	switch {
	case fresh.LatestExtraction != nil && now.Sub(*fresh.LatestExtraction) > m.staleAfter:
		snap.Status = StatusUnhealthy
		snap.Issues = []string{IssueStaleData}
	case len(snap.PipelineRuns) == 0:
		snap.Status = StatusWarning
		snap.Issues = []string{IssueNoRuns}
	}
	return snap
}

func minutesOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

func hoursOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Hour
}
