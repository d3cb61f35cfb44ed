package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/engine"
)

// loadLaunchSpec reads a JSON launch specification.
func loadLaunchSpec(path string) (engine.LaunchSpec, error) {
	var spec engine.LaunchSpec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read launch spec: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse launch spec %s: %w", path, err)
	}
	return spec, nil
}

// clientToken returns token, or a fresh one when empty.
func clientToken(token string) string {
	if token != "" {
		return token
	}
	return uuid.NewString()
}

func newRequestInstanceCommand(version string) *cobra.Command {
	var (
		workerType string
		region     string
		token      string
		specFile   string
		spotPrice  float64
	)

	cmd := &cobra.Command{
		Use:   "request-instance",
		Short: "Launch one on-demand or spot instance",
		Long: `Launch exactly one instance for a worker type.

The launch specification is checked against the configured policies before
the provider is called. Setting --spot-price makes the launch a one-time spot
launch with that maximum price. Re-using a client token makes the request
idempotent at the provider.`,
		Example: `  # On-demand launch
  ec2-manager request-instance --worker-type builder --region us-west-2 --launch-spec spec.json

  # Spot launch with an explicit client token
  ec2-manager request-instance --worker-type builder --region us-west-2 \
    --launch-spec spec.json --spot-price 0.12 --client-token builder-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadLaunchSpec(specFile)
			if err != nil {
				return err
			}

			req := engine.RunInstanceRequest{
				WorkerType:  workerType,
				Region:      region,
				ClientToken: clientToken(token),
				LaunchSpec:  spec,
			}
			if cmd.Flags().Changed("spot-price") {
				req.SpotPrice = &spotPrice
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			provisioner, err := a.provisioner(ctx)
			if err != nil {
				return err
			}

			instance, err := provisioner.RequestInstance(ctx, req)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), instance)
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "", "worker type the instance belongs to")
	cmd.Flags().StringVar(&region, "region", "", "region to launch in")
	cmd.Flags().StringVar(&token, "client-token", "", "idempotency token (default: random)")
	cmd.Flags().StringVar(&specFile, "launch-spec", "", "JSON launch specification file")
	cmd.Flags().Float64Var(&spotPrice, "spot-price", 0, "maximum spot price; launches a spot instance")
	_ = cmd.MarkFlagRequired("worker-type")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("launch-spec")

	return cmd
}

func newRequestSpotInstanceCommand(version string) *cobra.Command {
	var (
		workerType string
		region     string
		token      string
		specFile   string
		spotPrice  float64
	)

	cmd := &cobra.Command{
		Use:   "request-spot-instance",
		Short: "Place a one-time spot request",
		Long: `Place a one-time spot request for one instance and track it.

The request is tagged with the worker type and recorded in the state store.
The instance it yields is tracked once its lifecycle events arrive.`,
		Example: `  ec2-manager request-spot-instance --worker-type builder --region us-west-2 \
    --launch-spec spec.json --spot-price 0.12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadLaunchSpec(specFile)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			provisioner, err := a.provisioner(ctx)
			if err != nil {
				return err
			}

			request, err := provisioner.RequestSpotInstance(ctx, engine.SpotInstanceRequest{
				WorkerType:  workerType,
				Region:      region,
				ClientToken: clientToken(token),
				SpotPrice:   spotPrice,
				LaunchSpec:  spec,
			})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), request)
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "", "worker type the request belongs to")
	cmd.Flags().StringVar(&region, "region", "", "region to request in")
	cmd.Flags().StringVar(&token, "client-token", "", "idempotency token (default: random)")
	cmd.Flags().StringVar(&specFile, "launch-spec", "", "JSON launch specification file")
	cmd.Flags().Float64Var(&spotPrice, "spot-price", 0, "maximum spot price")
	_ = cmd.MarkFlagRequired("worker-type")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("launch-spec")
	_ = cmd.MarkFlagRequired("spot-price")

	return cmd
}
