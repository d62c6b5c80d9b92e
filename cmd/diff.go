package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/regression"
)

func newDiffCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "diff <run-id>",
		Short: "Compare a finished run with its baseline",
		Long: `Compare a finished run with the latest completed run of the same suite that
started before it. Lists regressed and improved cases and the change of every
summary metric.`,
		Args: cobra.ExactArgs(1),
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

			diff, err := a.coord.GetDiff(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to compute diff: %w", err)
			}
			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), diff)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), regression.Format(diff))
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	return cmd
}
