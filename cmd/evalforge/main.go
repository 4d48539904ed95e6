package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/lamim/evalforge/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	projectsDir string

	metricsAddr string
	forceRerun  bool
	retryFailed bool
	publish     bool
	hfRepoID    string

	summaryFormat string
	confirmReset  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evalforge",
		Short: "evalforge - cached, resumable model evaluation",
		Long: `evalforge runs evaluation experiments for text generation models.
Each generation and scoring stage runs once per experiment and is stored in a
project directory, so interrupted or extended runs pick up where they stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiments of a configuration",
		Long: `Run every experiment of the configuration:
1. Generate outputs for each dataset split, task and model
2. Score the outputs with the configured evaluators
3. Write the summary, run report and failures to a new run session
4. Optional: Publish the summary to the Hugging Face Hub

Stages that already succeeded are skipped.`,
		RunE: runEvaluation,
	}
	runCmd.Flags().StringVar(&configPath, "config", "experiment.toml", "Path to configuration file (.toml, .yaml or .yml)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&forceRerun, "force", false, "Rerun every stage and overwrite stored results")
	runCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Rerun stages that failed or were cancelled")
	runCmd.Flags().BoolVar(&publish, "publish", false, "Publish the summary to the Hugging Face Hub")
	runCmd.Flags().StringVar(&hfRepoID, "hf-repo-id", "", "Hugging Face dataset repository (default: huggingface.publish_repo_id)")

	summaryCmd := &cobra.Command{
		Use:   "summary <project>",
		Short: "Print the result summary of a project",
		Args:  cobra.ExactArgs(1),
		RunE:  printSummary,
	}
	summaryCmd.Flags().StringVar(&summaryFormat, "format", "table", "Output format: table or jsonl")

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "List, inspect, reset and publish evaluation projects",
	}
	projectCmd.PersistentFlags().StringVar(&projectsDir, "projects-dir", "", "Projects directory (default: $"+config.ProjectsDirEnv+" or ./projects)")
	summaryCmd.Flags().StringVar(&projectsDir, "projects-dir", "", "Projects directory (default: $"+config.ProjectsDirEnv+" or ./projects)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		RunE:  listProjects,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <project>",
		Short: "Inspect a project",
		Long:  "Display stored artifacts, stage records by status and run sessions of a project",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectProject,
	}

	resetCmd := &cobra.Command{
		Use:   "reset <project>",
		Short: "Delete all stored results of a project",
		Long:  "Delete generations, results and stage records. Run sessions are kept.",
		Args:  cobra.ExactArgs(1),
		RunE:  resetProject,
	}
	resetCmd.Flags().BoolVar(&confirmReset, "yes", false, "Confirm the reset")

	publishCmd := &cobra.Command{
		Use:   "publish <project>",
		Short: "Publish the summary of a project to the Hugging Face Hub",
		Args:  cobra.ExactArgs(1),
		RunE:  publishProject,
	}
	publishCmd.Flags().StringVar(&hfRepoID, "hf-repo-id", "", "Hugging Face dataset repository (e.g., username/eval-results)")
	_ = publishCmd.MarkFlagRequired("hf-repo-id")

	projectCmd.AddCommand(listCmd)
	projectCmd.AddCommand(inspectCmd)
	projectCmd.AddCommand(resetCmd)
	projectCmd.AddCommand(publishCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(projectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnvFile loads environment variables from a file if it exists.
// Variables already set in the environment win.
func loadEnvFile() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
		return
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
	}
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// resolveProjectsDir applies the flag, then the environment, then the default
func resolveProjectsDir() string {
	if projectsDir != "" {
		return projectsDir
	}
	if dir := os.Getenv(config.ProjectsDirEnv); dir != "" {
		return dir
	}
	return "projects"
}
