package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	generateAsOf      string
	generateOwner     string
	generateJSON      bool
	generateFailOnErr bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Materialize invoices for every due template",
	Long: `Scan active templates whose next due date is on or before the given day
and generate one invoice for each. Safe to run more than once per day.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, ownerID, err := parseGenerateFlags(generateAsOf, generateOwner)
		if err != nil {
			return err
		}

		var scanner *scheduler.Scanner
		app := fx.New(
			application(),
			fx.Populate(&scanner),
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}

		startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return err
		}
		defer func() { _ = app.Stop(context.Background()) }()

		result, err := scanner.Run(cmd.Context(), asOf, ownerID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if generateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, result.Summary())
			for _, failure := range result.Failures {
				fmt.Fprintf(out, "  %s\n", failure.Error())
			}
		}

		if generateFailOnErr && len(result.Failures) > 0 {
			return fmt.Errorf("%d templates failed", len(result.Failures))
		}
		return nil
	},
}

// parseGenerateFlags returns a zero asOf when none is given so the scanner
// falls back to its clock.
func parseGenerateFlags(rawAsOf, rawOwner string) (time.Time, snowflake.ID, error) {
	var asOf time.Time
	if trimmed := strings.TrimSpace(rawAsOf); trimmed != "" {
		parsed, err := time.Parse(time.DateOnly, trimmed)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid --as-of %q: expected YYYY-MM-DD", rawAsOf)
		}
		asOf = parsed
	}

	var ownerID snowflake.ID
	if trimmed := strings.TrimSpace(rawOwner); trimmed != "" {
		parsed, err := snowflake.ParseString(trimmed)
		if err != nil || parsed <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid --owner %q", rawOwner)
		}
		ownerID = parsed
	}
	return asOf, ownerID, nil
}

func init() {
	generateCmd.Flags().StringVar(&generateAsOf, "as-of", "", "generate as of this date (YYYY-MM-DD, default today)")
	generateCmd.Flags().StringVar(&generateOwner, "owner", "", "limit the run to one owner id")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "print the run result as JSON")
	generateCmd.Flags().BoolVar(&generateFailOnErr, "fail-on-error", false, "exit non-zero when any template fails")
}
