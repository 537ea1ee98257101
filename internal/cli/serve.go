package cli

import (
	"github.com/smallbiznis/recurbill/internal/migration"
	"github.com/smallbiznis/recurbill/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fx.Option{application(), server.Module}
		if serveMigrate {
			opts = append(opts, migration.Module)
		}
		app := fx.New(opts...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply schema migrations on startup")
}
