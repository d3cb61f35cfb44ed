package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ec2-manager",
		Short: "ec2-manager - EC2 capacity state reconciliation",
		Long: `ec2-manager tracks the instances and spot requests launched for worker
types across regions and reconciles them against EC2 lifecycle events.

Features:
  - Idempotent, order-tolerant lifecycle event reconciliation
  - On-demand and spot provisioning with policy-checked launch specs
  - Worker-type termination fan-out across regions
  - Scoped single-resource termination
  - Key pair, AMI and EBS usage housekeeping`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath("ec2-manager.cue"),
		"config file path (env "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand(version))
	rootCmd.AddCommand(newStateCommand(version))
	rootCmd.AddCommand(newRequestInstanceCommand(version))
	rootCmd.AddCommand(newRequestSpotInstanceCommand(version))
	rootCmd.AddCommand(newTerminateCommand(version))
	rootCmd.AddCommand(newKeyPairCommand(version))
	rootCmd.AddCommand(newPolicyCommand(version))

	return rootCmd
}
