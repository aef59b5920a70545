package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/archivebot/internal/archive"
)

// newArchiveCmd creates the one-shot 'archive' subcommand.
func newArchiveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "archive <url> [url...]",
		Short: "Archives URLs once without connecting to Discord",
		Long: `Runs the archive pipeline for each URL in order and prints the result.
The command exits non-zero when any URL fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			ctx := archive.WithTrigger(cmd.Context(), archive.TriggerCLI)
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)

			failed := 0
			for _, target := range args {
				res := appInstance.Archiver().Archive(ctx, target)
				if !res.Succeeded {
					failed++
				}
				if asJSON {
					if err := enc.Encode(res); err != nil {
						return fmt.Errorf("encode result: %w", err)
					}
					continue
				}
				fmt.Fprintln(out, res.Message)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d URLs failed to archive", failed, len(args))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each result as a JSON object")
	return cmd
}
