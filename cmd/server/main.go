package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"spot-alert-engine/internal/app/server"
	"spot-alert-engine/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "spot-alert-server",
		Short: "Match amateur radio spots against user triggers and send alerts",
		Long: `spot-alert-server loads every enabled trigger from Postgres into a pool
of matching workers, runs incoming spots through quorum, matching and rate
limiting, and serves the admin and simulator API.

Configuration is read from configs/application.yaml and APP_* variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			config.SetupLogging(cfg.Server.LogLevel)
			server.Run(cfg)
			return nil
		},
	}
	root.AddCommand(housekeepCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
