package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ec2-manager/pkg/engine"
)

func newKeyPairCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key-pair",
		Short: "Manage key pairs in every region",
	}

	cmd.AddCommand(newKeyPairEnsureCommand(version))
	cmd.AddCommand(newKeyPairRemoveCommand(version))

	return cmd
}

func newKeyPairEnsureCommand(version string) *cobra.Command {
	var (
		publicKeyFile string
		scopes        []string
	)

	cmd := &cobra.Command{
		Use:   "ensure <name>",
		Short: "Import a public key in every region that lacks it",
		Example: `  ec2-manager key-pair ensure builder --public-key ~/.ssh/builder.pub`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.AuthorizeKeyPair(engine.ScopeSet(scopes), args[0]); err != nil {
				return err
			}

			data, err := os.ReadFile(publicKeyFile)
			if err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			keyPairs, err := a.keyPairs(ctx)
			if err != nil {
				return err
			}

			if err := keyPairs.EnsureKeyPair(ctx, args[0], strings.TrimSpace(string(data))); err != nil {
				return err
			}

			a.logger.Info().Str("key_pair", args[0]).Strs("regions", a.cfg.Regions).Msg("Key pair present")
			return nil
		},
	}

	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "OpenSSH public key file")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"*"}, "scopes granted to the caller")
	_ = cmd.MarkFlagRequired("public-key")

	return cmd
}

func newKeyPairRemoveCommand(version string) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a key pair from every region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.AuthorizeKeyPair(engine.ScopeSet(scopes), args[0]); err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx := a.context(cmd.Context())
			keyPairs, err := a.keyPairs(ctx)
			if err != nil {
				return err
			}

			if err := keyPairs.RemoveKeyPair(ctx, args[0]); err != nil {
				return err
			}

			a.logger.Info().Str("key_pair", args[0]).Msg("Key pair removed")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"*"}, "scopes granted to the caller")

	return cmd
}
