package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crypto-pipeline/internal/model"
	"github.com/sells-group/crypto-pipeline/internal/warehouse"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Lists recent pipeline stage rows, newest first. Use 'runs stats' for status counts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run-id")
		stage, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		runs, err := wh.ListRuns(ctx, warehouse.RunFilter{
			RunID:  runID,
			Stage:  model.Stage(stage),
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if format != "table" {
			return writeFormatted(cmd.OutOrStdout(), format, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stage status counts over a time window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		counts, err := wh.RunStatusCounts(ctx, time.Now().UTC().Add(-since))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(cmd.OutOrStdout(), computeRunStats(counts), since)
		return nil
	},
}

func init() {
	runsCmd.Flags().String("run-id", "", "only rows for this run id")
	runsCmd.Flags().String("stage", "", "filter by stage (extract, load)")
	runsCmd.Flags().String("status", "", "filter by status (running, success, failed)")
	runsCmd.Flags().Int("limit", 50, "max number of rows to display")
	runsCmd.Flags().String("format", "table", "output format (table, json, yaml)")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds per-stage status totals.
type runStats struct {
	Stages map[model.Stage]map[model.RunStatus]int64
	Total  int64
	Failed int64
}

// computeRunStats folds stage/status counts into per-stage totals.
func computeRunStats(counts []model.StageStatusCount) runStats {
	s := runStats{Stages: make(map[model.Stage]map[model.RunStatus]int64)}
	for _, c := range counts {
		byStatus, ok := s.Stages[c.Stage]
		if !ok {
			byStatus = make(map[model.RunStatus]int64)
			s.Stages[c.Stage] = byStatus
		}
		byStatus[c.Status] += c.Count
		s.Total += c.Count
		if c.Status == model.RunStatusFailed {
			s.Failed += c.Count
		}
	}
	return s
}

// formatRunsList writes a tabular list of run rows to w.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN_ID\tSTAGE\tSTATUS\tRECORDS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "------\t-----\t------\t-------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RunID,
			r.Stage,
			r.Status,
			r.RecordsProcessed,
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			dur,
			truncate(r.ErrorMessage, 60),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats, since time.Duration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%s\n", since)
	_, _ = fmt.Fprintf(w, "Stage rows:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)

	stages := make([]string, 0, len(s.Stages))
	for st := range s.Stages {
		stages = append(stages, string(st))
	}
	sort.Strings(stages)

	for _, st := range stages {
		byStatus := s.Stages[model.Stage(st)]
		_, _ = fmt.Fprintf(w, "  %s:\trunning=%d success=%d failed=%d\n", st,
			byStatus[model.RunStatusRunning],
			byStatus[model.RunStatusSuccess],
			byStatus[model.RunStatusFailed],
		)
	}
	_ = w.Flush()
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
