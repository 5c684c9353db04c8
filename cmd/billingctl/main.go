package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/database"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "billingctl",
		Short:   "Maintenance passes for the LedgerFox reconciliation engine",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.SetupEnvFile()
			database.SetupDatabase()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = database.Close()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services builds the engine without Redis: one-off passes need neither
// counters nor the cross-instance lock.
func services() *bootstrap.Services {
	return bootstrap.New(database.GetDB(), nil)
}

func retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run failed webhook events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			s := services()
			n, err := billing.NewRetryCoordinator(s.Engine, maxAttempts).RetryErrors(cmd.Context(), limit)
			fmt.Printf("%d events succeeded on retry\n", n)
			return err
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "Maximum events to retry")
	cmd.Flags().Int("max-attempts", 0, "Skip events already retried this many times (0 retries all)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve pending subscriptions whose checkout never completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, _ := cmd.Flags().GetInt("hours")
			n, err := services().Sweeper.SweepStalePending(cmd.Context(), hours)
			fmt.Printf("%d stale subscriptions canceled\n", n)
			return err
		},
	}
	cmd.Flags().Int("hours", 24, "Age in hours after which a pending subscription is stale")
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark events stuck in processing as failed so retry picks them up",
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, _ := cmd.Flags().GetInt("minutes")
			if minutes <= 0 {
				return fmt.Errorf("--minutes must be positive")
			}
			n, err := services().Engine.EventLog().RecoverStuck(cmd.Context(), time.Duration(minutes)*time.Minute)
			fmt.Printf("%d stuck events recovered\n", n)
			return err
		},
	}
	cmd.Flags().Int("minutes", 30, "Minutes without progress before an event counts as stuck")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show webhook event counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := services().Engine.EventLog().Stats(cmd.Context())
			if err != nil {
				return err
			}
			statuses := lo.Keys(counts)
			sort.Strings(statuses)
			for _, status := range statuses {
				fmt.Printf("%-12s %d\n", status, counts[status])
			}
			return nil
		},
	}
}
