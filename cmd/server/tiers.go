package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JeanGrijp/tiered-limiter/internal/config"
	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/services"
)

func newTiersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Validate the configuration and print the tiers in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return printTiers(cmd, cfg.RateLimiter.Tiers, cfg.RateLimiter.FailOpen)
		},
	}
}

func printTiers(cmd *cobra.Command, tiers domain.Policies, failOpen bool) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tTIER\tWINDOW\tMAX REQUESTS")
	for i, t := range tiers.SortedByDuration() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", i+1, t.Name, t.Duration, t.MaxRequests)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	mode := services.FailClosed
	if failOpen {
		mode = services.FailOpen
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "store failure mode: %s\n", mode)
	return err
}
