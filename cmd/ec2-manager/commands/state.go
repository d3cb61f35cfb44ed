package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// hiddenMessage replaces provider error messages unless they are requested
// explicitly.
const hiddenMessage = "--- hidden ---"

func newStateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect tracked state",
		Long: `Inspect the instances, spot requests, terminations, usage and errors
recorded in the state store.

Authoritative state flows in through lifecycle events; these commands only
read the store.`,
	}

	cmd.AddCommand(newWorkerTypesCommand(version))
	cmd.AddCommand(newStatsCommand(version))
	cmd.AddCommand(newHealthCommand(version))
	cmd.AddCommand(newErrorsCommand(version))
	cmd.AddCommand(newInstancesCommand(version))
	cmd.AddCommand(newSpotRequestsCommand(version))
	cmd.AddCommand(newTerminationsCommand(version))
	cmd.AddCommand(newAmiUsageCommand(version))
	cmd.AddCommand(newEbsUsageCommand(version))

	return cmd
}

// withStore runs fn against an opened store and prints its result.
func withStore(cmd *cobra.Command, version string, fn func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error)) error {
	a, err := newApp(cmd.Context(), version)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := fn(cmd.Context(), a.store)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), out)
}

func newWorkerTypesCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker-types",
		Short: "List worker types with tracked resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListWorkerTypes(ctx)
			})
		},
	}
}

func newStatsCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <worker-type>",
		Short: "Show pending and running capacity for a worker type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.InstanceCounts(ctx, args[0])
			})
		},
	}
}

func newHealthCommand(version string) *cobra.Command {
	var (
		workerType string
		window     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarize running capacity, terminations and errors",
		Example: `  # Health of every worker type over the last day
  ec2-manager state health

  # Health of one worker type over the last hour
  ec2-manager state health --worker-type builder --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.GetHealth(ctx, workerType, time.Now().Add(-window))
			})
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "", "limit to one worker type")
	cmd.Flags().DurationVar(&window, "since", 24*time.Hour, "look-back window")

	return cmd
}

func newErrorsCommand(version string) *cobra.Command {
	var (
		workerType   string
		limit        int
		showMessages bool
	)

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List recent provider errors",
		Long: `List the most recent provider errors, newest first.

Error messages may contain launch details and are hidden unless
--show-messages is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				records, err := store.GetRecentErrors(ctx, workerType, limit)
				if err != nil {
					return nil, err
				}
				if !showMessages {
					redactErrors(records)
				}
				return records, nil
			})
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "", "limit to one worker type")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of errors")
	cmd.Flags().BoolVar(&showMessages, "show-messages", false, "show raw provider messages")

	return cmd
}

func redactErrors(records []*stores.ErrorRecord) {
	for _, r := range records {
		r.Message = hiddenMessage
	}
}

func newInstancesCommand(version string) *cobra.Command {
	var filter stores.InstanceFilter

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List tracked instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListInstances(ctx, filter)
			})
		},
	}

	cmd.Flags().StringVar(&filter.WorkerType, "worker-type", "", "filter by worker type")
	cmd.Flags().StringVar(&filter.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&filter.ID, "id", "", "filter by instance id")
	cmd.Flags().StringVar(&filter.State, "state", "", "filter by state")

	return cmd
}

func newSpotRequestsCommand(version string) *cobra.Command {
	var filter stores.SpotRequestFilter

	cmd := &cobra.Command{
		Use:   "spot-requests",
		Short: "List tracked spot requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListSpotRequests(ctx, filter)
			})
		},
	}

	cmd.Flags().StringVar(&filter.WorkerType, "worker-type", "", "filter by worker type")
	cmd.Flags().StringVar(&filter.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&filter.ID, "id", "", "filter by spot request id")
	cmd.Flags().StringVar(&filter.State, "state", "", "filter by state")

	return cmd
}

func newTerminationsCommand(version string) *cobra.Command {
	var filter stores.TerminationFilter

	cmd := &cobra.Command{
		Use:   "terminations",
		Short: "List recorded terminations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListTerminations(ctx, filter)
			})
		},
	}

	cmd.Flags().StringVar(&filter.WorkerType, "worker-type", "", "filter by worker type")
	cmd.Flags().StringVar(&filter.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&filter.ID, "id", "", "filter by instance id")

	return cmd
}

func newAmiUsageCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "ami-usage",
		Short: "List the last launch time of every image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListAmiUsage(ctx)
			})
		},
	}
}

func newEbsUsageCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "ebs-usage",
		Short: "List EBS volume totals by region, type and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store *stores.SQLiteStore) (interface{}, error) {
				return store.ListEbsUsage(ctx)
			})
		},
	}
}
