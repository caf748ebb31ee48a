package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crypto-pipeline/internal/monitoring"
)

var healthFormat string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check pipeline health and print the snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runHealth(cmd.Context(), cmd.OutOrStdout(), healthFormat)
	},
}

// runHealth prints one health snapshot. An unreachable warehouse is itself a
// health state, so it is printed as an error snapshot rather than returned.
func runHealth(ctx context.Context, w io.Writer, format string) error {
	wh, err := openWarehouse(ctx)
	if err != nil {
		zap.L().Error("health: warehouse unavailable", zap.Error(err))
		return writeFormatted(w, format, monitoring.ErrorSnapshot(time.Now(), err))
	}
	defer wh.Close() //nolint:errcheck

	snap := monitoring.NewMonitor(wh, cfg.Monitoring).Check(ctx)
	return writeFormatted(w, format, snap)
}

// writeFormatted encodes v as indented JSON or YAML.
func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unsupported format %q (want json or yaml)", format)
	}
}

func init() {
	healthCmd.Flags().StringVar(&healthFormat, "format", "json", "output format (json, yaml)")
	rootCmd.AddCommand(healthCmd)
}
