package cli

import (
	"context"
	"time"

	"github.com/smallbiznis/recurbill/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			migration.Module,
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		return app.Stop(context.Background())
	},
}
