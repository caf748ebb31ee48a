package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the warehouse tables and indexes if they do not exist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		wh, err := initWarehouse(cmd.Context())
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		zap.L().Info("warehouse schema up to date", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
