package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/store"
)

func newListCmd() *cobra.Command {
	var (
		runs   bool
		suite  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available test suites, or recorded runs with --runs",
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

			w := cmd.OutOrStdout()
			if runs {
				filter := store.RunFilter{SuiteID: suite, Status: eval.RunStatus(status), Limit: limit}
				if filter.Status != "" && !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				list, err := a.coord.ListRuns(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
				if len(list) == 0 {
					fmt.Fprintln(w, "No runs found.")
					return nil
				}
				table := newTable(w, "Run", "Suite", "Status", "Pass rate", "Created")
				for _, r := range list {
					passRate := ""
					if r.Summary != nil {
						passRate = score(r.Summary.PassRate)
					}
					table.Append([]string{r.ID, r.Suite.String(), string(r.Status), passRate, r.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				table.Render()
				return nil
			}

			suites, err := a.coord.ListSuites(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list test suites: %w", err)
			}
			if len(suites) == 0 {
				fmt.Fprintln(w, "No test suites found.")
				return nil
			}
			table := newTable(w, "Suite", "Version", "Type", "Cases", "Metrics")
			for _, s := range suites {
				table.Append([]string{s.ID, strconv.Itoa(s.Version), string(s.SystemType), strconv.Itoa(len(s.Cases)), strings.Join(s.Metrics, ", ")})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&runs, "runs", false, "List recorded runs instead of suites")
	cmd.Flags().StringVar(&suite, "suite", "", "Only list runs of this suite")
	cmd.Flags().StringVar(&status, "status", "", "Only list runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")

	return cmd
}
