package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/regression"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Exit codes of the run command.
const (
	exitGateBlocked = 1
	exitRunFailed   = 2
)

func newRunCmd() *cobra.Command {
	var (
		suiteVersion    int
		pipelineJSON    string
		set             map[string]string
		thresholds      map[string]string
		pipelineVersion string
		gitSHA          string
		gitBranch       string
		notes           string
		output          string
		timeout         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <test-suite>",
		Short: "Run a test suite and enforce the quality gate",
		Long: `Run a test suite in-process, wait for it to finish and report the verdict.

The command exits with status 1 when the run is gate blocked and with status 2
when the run fails or is cancelled, so it can be used as a CI step. Results and
metric history are written to the configured store; with the default SQLite
store the next run compares against this one.`,
		Example: `  llm-evalgate run rag-smoke --set model=gpt-4o-mini --threshold pass_rate=0.9
  llm-evalgate run agent-tools --pipeline '{"adapter": "http", "url": "http://localhost:9000/answer"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputText && output != outputJSON {
				return fmt.Errorf("unsupported output %q (supported: %s, %s)", output, outputText, outputJSON)
			}
			cfg, _, err := configFromFlags(cmd)
			if err != nil {
				return err
			}

			req := engine.CreateRunRequest{
				Suite:           testsuite.SuiteRef{ID: args[0], Version: suiteVersion},
				PipelineVersion: pipelineVersion,
				GitCommitSHA:    gitSHA,
				GitBranch:       gitBranch,
				TriggeredBy:     "cli",
				Notes:           notes,
			}
			if req.PipelineConfig, err = pipelineConfig(pipelineJSON, set); err != nil {
				return err
			}
			if req.ThresholdOverrides, err = parseThresholds(thresholds); err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.close(closeCtx); err != nil {
					slog.Error("shutdown incomplete", "error", err)
				}
			}()

			run, err := a.coord.CreateRun(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to create run: %w", err)
			}
			slog.Info("run created", "run_id", run.ID, "suite", run.Suite.String())

			run, err = a.coord.Wait(ctx, run.ID)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return &exitError{code: exitRunFailed, msg: fmt.Sprintf("run %s did not finish within %s", req.Suite, timeout)}
				}
				return err
			}

			return report(cmd, a, run, output)
		},
	}

	cmd.Flags().IntVar(&suiteVersion, "suite-version", 0, "Suite version to pin (default: current)")
	cmd.Flags().StringVar(&pipelineJSON, "pipeline", "", "Pipeline config as a JSON object")
	cmd.Flags().StringToStringVar(&set, "set", nil, "Pipeline config entries (key=value), applied over --pipeline")
	cmd.Flags().StringToStringVar(&thresholds, "threshold", nil, "Gate threshold overrides (metric=value)")
	cmd.Flags().StringVar(&pipelineVersion, "pipeline-version", "", "Version label of the pipeline under test")
	cmd.Flags().StringVar(&gitSHA, "git-sha", os.Getenv("GITHUB_SHA"), "Commit of the pipeline under test")
	cmd.Flags().StringVar(&gitBranch, "git-branch", os.Getenv("GITHUB_REF_NAME"), "Branch of the pipeline under test")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes stored with the run")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout for the run (e.g. 30m). 0 means no timeout")

	return cmd
}

func pipelineConfig(raw string, set map[string]string) (map[string]any, error) {
	var out map[string]any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid --pipeline JSON: %w", err)
		}
	}
	if len(set) > 0 && out == nil {
		out = make(map[string]any, len(set))
	}
	for k, v := range set {
		out[k] = v
	}
	return out, nil
}

func parseThresholds(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}

// report prints the outcome of a finished run and maps it to an exit code.
func report(cmd *cobra.Command, a *app, run *eval.Run, output string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	var diff *eval.RegressionDiff
	if run.Status.RecordsHistory() {
		d, err := a.coord.GetDiff(ctx, run.ID)
		if err != nil {
			slog.Warn("regression diff unavailable", "run_id", run.ID, "error", err)
		} else {
			diff = d
		}
	}

	if output == outputJSON {
		if err := writeJSON(w, struct {
			Run  *eval.Run            `json:"run"`
			Diff *eval.RegressionDiff `json:"diff,omitempty"`
		}{run, diff}); err != nil {
			return err
		}
	} else {
		printRun(w, run)
		failed := false
		results, err := a.coord.ListResults(ctx, run.ID, engine.ResultFilter{Passed: &failed})
		if err == nil {
			printFailedCases(w, results)
		}
		if diff != nil {
			fmt.Fprintln(w)
			fmt.Fprint(w, regression.Format(diff))
		}
	}

	switch run.Status {
	case eval.StatusCompleted:
		return nil
	case eval.StatusGateBlocked:
		return &exitError{code: exitGateBlocked, msg: fmt.Sprintf("quality gate blocked run %s", run.ID)}
	default:
		return &exitError{code: exitRunFailed, msg: fmt.Sprintf("run %s ended %s", run.ID, run.Status)}
	}
}
