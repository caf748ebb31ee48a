package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/pipeline"
	"github.com/sells-group/crypto-pipeline/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline now and then on the configured schedule",
	Long: "Runs the pipeline immediately, then every pipeline.extraction_interval_minutes " +
		"(or on pipeline.cron when set) until interrupted. A run in progress finishes before exit.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := scheduler.ScheduleFromConfig(cfg.Pipeline)
		if err != nil {
			return err
		}

		s := scheduler.New(pipelineJob(env.Pipeline), sched, time.Duration(cfg.Pipeline.TickSeconds)*time.Second)
		s.Start(ctx)
		zap.L().Info("pipeline scheduler stopped", zap.Int64("runs", s.Runs()))
		return nil
	},
}

// pipelineJob adapts a pipeline run to a scheduler job that logs the result.
func pipelineJob(p *pipeline.Pipeline) scheduler.Job {
	return func(ctx context.Context) {
		res := p.Run(ctx)
		fields := []zap.Field{
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
			zap.Int("records_processed", res.RecordsProcessed),
		}
		if res.Failed() {
			zap.L().Error("scheduled pipeline run failed", append(fields, zap.String("error", res.Error))...)
			return
		}
		zap.L().Info("scheduled pipeline run completed", fields...)
	}
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
