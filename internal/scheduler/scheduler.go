// Package scheduler runs a job once at startup and then whenever its
// schedule comes due, polling on a fixed tick.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/config"
)

const defaultTick = time.Minute

// Job is the unit of work the scheduler runs.
type Job func(ctx context.Context)

// Scheduler runs a Job on a cron.Schedule. Runs never overlap: the job runs
// on the polling goroutine and the next due time is computed from the
// moment the previous run completed.
type Scheduler struct {
	job      Job
	schedule cron.Schedule
	tick     time.Duration
	now      func() time.Time
	stopped  atomic.Bool
	runs     atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to decide when a run is due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler. A non-positive tick falls back to one minute.
func New(job Job, schedule cron.Schedule, tick time.Duration, opts ...Option) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	s := &Scheduler{job: job, schedule: schedule, tick: tick, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleFromConfig returns the cron expression schedule when one is set,
// otherwise a fixed period of ExtractionIntervalMinutes.
func ScheduleFromConfig(cfg config.PipelineConfig) (cron.Schedule, error) {
	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: parse cron %q", cfg.Cron)
		}
		return sched, nil
	}
	if cfg.ExtractionIntervalMinutes <= 0 {
		return nil, eris.Errorf("scheduler: extraction interval must be positive, got %d", cfg.ExtractionIntervalMinutes)
	}
	return cron.Every(time.Duration(cfg.ExtractionIntervalMinutes) * time.Minute), nil
}

// Start runs the job immediately and then each time the schedule is due.
// It blocks until Stop is called or ctx is cancelled. A run in progress
// always finishes; its context does not inherit ctx's cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: starting", zap.Duration("tick", s.tick))

	next := s.runOnce(ctx, log)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if s.stopped.Load() {
			log.Info("scheduler: stopped")
			return
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler: context cancelled, stopping")
			return
		case <-ticker.C:
			if s.stopped.Load() {
				continue
			}
			if !s.now().Before(next) {
				next = s.runOnce(ctx, log)
			}
		}
	}
}

// Stop asks the loop to exit at its next tick.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Runs returns how many times the job has been invoked.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// runOnce invokes the job and returns the next due time.
func (s *Scheduler) runOnce(ctx context.Context, log *zap.Logger) time.Time {
	s.runs.Add(1)
	if err := s.invoke(context.WithoutCancel(ctx)); err != nil {
		log.Error("scheduler: job panicked", zap.Error(err))
	}
	next := s.schedule.Next(s.now())
	log.Info("scheduler: next run scheduled", zap.Time("next", next))
	return next
}

func (s *Scheduler) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: job panic: %v", r)
		}
	}()
	s.job(ctx)
	return nil
}
