package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/metrics"
)

const defaultCheckInterval = 5 * time.Minute

// Checker runs periodic health checks in the background.
type Checker struct {
	monitor  *Monitor
	alerter  *Alerter
	interval time.Duration
	last     atomic.Pointer[HealthSnapshot]
}

// NewChecker creates a background health checker.
func NewChecker(monitor *Monitor, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		monitor:  monitor,
		alerter:  alerter,
		interval: interval,
	}
}

// Last returns the most recent snapshot, or nil before the first check.
func (c *Checker) Last() *HealthSnapshot {
	return c.last.Load()
}

// Run checks once immediately and then on every interval. It blocks until
// ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker", zap.Duration("interval", c.interval))

	c.check(ctx, log)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap := c.monitor.Check(ctx)
	c.last.Store(snap)
	metrics.SetHealthStatus(string(snap.Status))

	alerts := c.alerter.Evaluate(snap)
	for _, a := range alerts {
		log.Warn("monitoring: alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	log.Info("monitoring: health check complete",
		zap.String("status", string(snap.Status)),
		zap.Int("alerts", len(alerts)),
	)
}
