package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/policy"
)

// policySummary is the listing view of a policy without its Rego source.
type policySummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Severity    policy.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
	Builtin     bool            `json:"builtin"`
	Source      string          `json:"source,omitempty"`
}

func summarizePolicies(policies []policy.Policy) []policySummary {
	out := make([]policySummary, 0, len(policies))
	for _, p := range policies {
		out = append(out, policySummary{
			Name:        p.Name,
			Description: p.Description,
			Severity:    p.Severity,
			Enabled:     p.Enabled,
			Builtin:     p.Builtin,
			Source:      p.Source,
		})
	}
	return out
}

func newPolicyCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test launch policies",
		Long: `Inspect the built-in and configured launch policies and check launch
specifications against them without calling the provider.`,
	}

	cmd.AddCommand(newPolicyListCommand(version))
	cmd.AddCommand(newPolicyShowCommand(version))
	cmd.AddCommand(newPolicyCheckCommand(version))

	return cmd
}

// withPolicies runs fn against a policy engine loaded from the configuration.
func withPolicies(cmd *cobra.Command, version string, fn func(ctx context.Context, eng *policy.Engine) (interface{}, error)) error {
	a, err := newApp(cmd.Context(), version)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx := a.context(cmd.Context())
	eng, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}

	out, err := fn(ctx, eng)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), out)
}

func newPolicyListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicies(cmd, version, func(ctx context.Context, eng *policy.Engine) (interface{}, error) {
				return summarizePolicies(eng.ListPolicies()), nil
			})
		},
	}
}

func newPolicyShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one policy including its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicies(cmd, version, func(ctx context.Context, eng *policy.Engine) (interface{}, error) {
				return eng.GetPolicy(args[0])
			})
		},
	}
}

func newPolicyCheckCommand(version string) *cobra.Command {
	var (
		specFile string
		region   string
		disabled []string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a launch specification against the policies",
		Example: `  ec2-manager policy check --launch-spec spec.json --region us-west-2

  # Skip a policy for this check
  ec2-manager policy check --launch-spec spec.json --region us-west-2 --disable user-data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadLaunchSpec(specFile)
			if err != nil {
				return err
			}

			return withPolicies(cmd, version, func(ctx context.Context, eng *policy.Engine) (interface{}, error) {
				for _, name := range disabled {
					if err := eng.DisablePolicy(name); err != nil {
						return nil, err
					}
				}

				result, err := eng.Evaluate(ctx, spec, region)
				if err != nil {
					return nil, err
				}
				if !result.Allowed {
					if printErr := printOutput(cmd.OutOrStdout(), result); printErr != nil {
						return nil, printErr
					}
					return nil, fmt.Errorf("launch specification rejected by %d violation(s)", len(result.Violations))
				}
				return result, nil
			})
		},
	}

	cmd.Flags().StringVar(&specFile, "launch-spec", "", "JSON launch specification file")
	cmd.Flags().StringVar(&region, "region", "", "region the launch targets")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "policies to skip")
	_ = cmd.MarkFlagRequired("launch-spec")
	_ = cmd.MarkFlagRequired("region")

	return cmd
}
