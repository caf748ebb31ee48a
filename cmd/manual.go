package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Run the pipeline once and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runManual(cmd)
	},
}

// runManual runs one extract-then-load pass and prints the result as JSON.
// A failed run is reported in the result, not as a command error.
func runManual(cmd *cobra.Command) error {
	ctx := cmd.Context()

	env, err := initPipeline(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	zap.L().Info("starting manual extraction")
	result := env.Pipeline.Run(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func init() {
	rootCmd.AddCommand(manualCmd)
}
