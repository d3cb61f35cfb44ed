package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply state store migrations",
		Long: `Apply every pending schema migration to the state store and exit.

Migrations are embedded in the binary and also run on every other command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.store.HealthCheck(cmd.Context()); err != nil {
				return err
			}

			a.logger.Info().Str("store", a.cfg.Store.Path).Msg("State store is up to date")
			return nil
		},
	}
}
