package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recurbill",
	Short: "Recurring invoice engine",
	Long: `recurbill stores recurring invoice templates and materializes one invoice
per due template each time generation is triggered.

Run "recurbill serve" for the HTTP API and point a daily cron entry at
"recurbill generate".`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(migrateCmd)
}
