package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/storage"
)

func housekeepCmd() *cobra.Command {
	var resetCounts bool
	cmd := &cobra.Command{
		Use:   "housekeep",
		Short: "Disable triggers that match far too often",
		Long: `Disable every trigger whose match counter exceeds
matcher.useless_match_threshold, except triggers commented "no-auto-disable".

Examples:
  # Disable useless triggers and start counting again
  spot-alert-server housekeep --reset-counts`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHousekeep(cmd.Context(), resetCounts)
		},
	}
	cmd.Flags().BoolVar(&resetCounts, "reset-counts", false, "reset every trigger's match counter afterwards")
	return cmd
}

func runHousekeep(ctx context.Context, resetCounts bool) error {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel)

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	n, err := store.DisableUselessTriggers(ctx, cfg.Matcher.UselessMatchThreshold)
	if err != nil {
		return err
	}
	log.Info().Int64("disabled", n).Int64("threshold", cfg.Matcher.UselessMatchThreshold).Msg("useless triggers disabled")

	if resetCounts {
		if err := store.ResetMatchCounts(ctx); err != nil {
			return err
		}
		log.Info().Msg("match counters reset")
	}
	return nil
}
