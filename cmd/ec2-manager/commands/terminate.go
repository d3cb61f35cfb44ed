package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/engine"
)

func newTerminateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate instances and cancel spot requests",
		Long: `Terminate tracked resources.

Single-resource termination is authorized by the instance scope
(ec2-manager:manage-instances:<region>:<id>) or, for tracked resources, by the
worker type scope (ec2-manager:manage-resources:<workerType>). The provider's
reply is only an immediate view; the tracked state follows the lifecycle
events.`,
	}

	cmd.AddCommand(newTerminateWorkerTypeCommand(version))
	cmd.AddCommand(newTerminateInstanceCommand(version))
	cmd.AddCommand(newCancelSpotRequestCommand(version))

	return cmd
}

func newTerminateWorkerTypeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker-type <worker-type>",
		Short: "Terminate every instance and spot request of a worker type",
		Long: `Terminate every tracked instance and cancel every tracked spot request of a
worker type in all managed regions. A failing region does not stop the
others; the command fails if any region failed.`,
		Example: `  ec2-manager terminate worker-type builder`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			terminator, err := a.terminator(ctx)
			if err != nil {
				return err
			}

			results, err := terminator.TerminateWorkerType(ctx, args[0])
			if printErr := printOutput(cmd.OutOrStdout(), results); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func newTerminateInstanceCommand(version string) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "instance <region> <instance-id>",
		Short: "Terminate one instance",
		Example: `  # Operator with full access
  ec2-manager terminate instance us-west-2 i-0123456789abcdef0

  # Act with a worker type scope only
  ec2-manager terminate instance us-west-2 i-0123456789abcdef0 \
    --scopes ec2-manager:manage-resources:builder`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			terminator, err := a.terminator(ctx)
			if err != nil {
				return err
			}

			change, err := terminator.TerminateInstance(ctx, engine.ScopeSet(scopes), args[0], args[1])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), change)
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"*"}, "scopes granted to the caller")

	return cmd
}

func newCancelSpotRequestCommand(version string) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:     "spot-request <region> <spot-request-id>",
		Short:   "Cancel one spot request",
		Example: `  ec2-manager terminate spot-request us-west-2 sir-abcd1234`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			terminator, err := a.terminator(ctx)
			if err != nil {
				return err
			}

			change, err := terminator.CancelSpotRequest(ctx, engine.ScopeSet(scopes), args[0], args[1])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), change)
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"*"}, "scopes granted to the caller")

	return cmd
}
