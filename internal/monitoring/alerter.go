package monitoring

import (
	"fmt"
	"time"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailure AlertType = "pipeline_failure"
	AlertDataFreshness   AlertType = "data_freshness"
	AlertInvalidPrices   AlertType = "invalid_prices"
	AlertNoRecentRecords AlertType = "no_recent_records"
	AlertHealthError     AlertType = "health_error"
)

// Alert severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Alert represents a single breached condition.
type Alert struct {
	Type      AlertType      `json:"type" yaml:"type"`
	Severity  string         `json:"severity" yaml:"severity"`
	Message   string         `json:"message" yaml:"message"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds.
type Alerter struct {
	staleAfter    time.Duration
	lookbackHours int
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	lookback := cfg.LookbackHours
	if lookback <= 0 {
		lookback = int(defaultLookback / time.Hour)
	}
	return &Alerter{
		staleAfter:    minutesOr(cfg.StaleAfterMinutes, defaultStaleAfter),
		lookbackHours: lookback,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Alerts are stamped with the snapshot time.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	if snap == nil {
		return nil
	}
	now := snap.Timestamp

	if snap.Status == StatusError {
		return []Alert{{
			Type:      AlertHealthError,
			Severity:  SeverityHigh,
			Message:   "Health check failed: " + snap.Error,
			Timestamp: now,
		}}
	}

	var alerts []Alert

	// Failed stages in the lookback window.
	var failed int64
	for _, c := range snap.PipelineRuns {
		if c.Status == model.RunStatusFailed {
			failed += c.Count
		}
	}
	if failed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertPipelineFailure,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%d pipeline stage(s) failed in last %dh", failed, a.lookbackHours),
			Details: map[string]any{
				"failed": failed,
			},
			Timestamp: now,
		})
	}

	// Staleness.
	if latest := snap.DataFreshness.LatestExtraction; latest != nil {
		if age := now.Sub(*latest); age > a.staleAfter {
			alerts = append(alerts, Alert{
				Type:     AlertDataFreshness,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("No data extracted in the last %.1f hours", age.Hours()),
				Details: map[string]any{
					"latest_extraction": latest.UTC(),
					"threshold_minutes": int(a.staleAfter / time.Minute),
				},
				Timestamp: now,
			})
		}
	}

	// Quality over the last hour. Skipped when that section did not load.
	if _, skip := snap.SectionErrors[SectionDataQuality]; !skip {
		q := snap.DataQuality
		switch {
		case q.TotalRecordsLastHour == 0:
			alerts = append(alerts, Alert{
				Type:      AlertNoRecentRecords,
				Severity:  SeverityMedium,
				Message:   "No price records extracted in the last hour",
				Timestamp: now,
			})
		case q.ValidPriceRecords < q.TotalRecordsLastHour:
			invalid := q.TotalRecordsLastHour - q.ValidPriceRecords
			alerts = append(alerts, Alert{
				Type:     AlertInvalidPrices,
				Severity: SeverityMedium,
				Message: fmt.Sprintf("%d of %d price records in the last hour have a non-positive price",
					invalid, q.TotalRecordsLastHour),
				Details: map[string]any{
					"invalid":     invalid,
					"total":       q.TotalRecordsLastHour,
					"valid_ratio": q.ValidRatio(),
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}
