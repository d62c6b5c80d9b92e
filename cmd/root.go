package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "llm-evalgate",
	Short: "Evaluation run engine and quality gate for LLM pipelines",
	Long: `llm-evalgate runs versioned test suites against an AI system (a RAG pipeline,
an agent, a chatbot or a search service), scores every answer with metric scorers
and failure rules, and blocks a release when the run misses its quality gate or
regresses against the last completed run.

Runs are served over a REST API and the Model Context Protocol ('serve'), or
executed locally as a CI step ('run').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFiles, _ := cmd.Flags().GetStringSlice("env-file")
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
		return nil
	},
}

var (
	buildCommit = "unknown"
	buildDate   = "unknown"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// SetBuildInfo sets the commit and build date for the version command.
func SetBuildInfo(commit, date string) {
	buildCommit = commit
	buildDate = date
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "llm-evalgate version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.msg)
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newDiffCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newTrendsCmd())

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the engine config file (YAML)")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Load environment variables from these files (default: .env)")
}

// configFromFlags loads the file named by --config.
func configFromFlags(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	cfg, err := loadConfig(path, verbose)
	return cfg, path, err
}
