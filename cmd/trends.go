package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/engine"
)

func newTrendsCmd() *cobra.Command {
	var (
		days   int
		output string
	)

	cmd := &cobra.Command{
		Use:   "trends <test-suite> <metric>",
		Short: "Show the recorded history of a suite metric",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			entries, err := a.coord.Trends(cmd.Context(), args[0], args[1], days)
			if err != nil {
				return fmt.Errorf("failed to load metric history: %w", err)
			}
			w := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(w, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(w, "No %s history for %s in the last %d days.\n", args[1], args[0], days)
				return nil
			}
			table := newTable(w, "Recorded", "Value", "Run", "Pipeline", "Commit")
			for _, e := range entries {
				table.Append([]string{
					e.RecordedAt.Local().Format(time.DateTime),
					score(e.Value),
					e.RunID,
					e.PipelineVersion,
					e.GitCommitSHA,
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", engine.DefaultTrendDays, "Size of the window in days")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	return cmd
}
