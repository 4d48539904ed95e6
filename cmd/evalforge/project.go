package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamim/evalforge/internal/hfhub"
	"github.com/lamim/evalforge/internal/project"
	"github.com/lamim/evalforge/internal/writer"
	"github.com/lamim/evalforge/pkg/models"
)

// openExisting opens a project without creating it
func openExisting(name string, logger *slog.Logger) (*project.Project, error) {
	root := resolveProjectsDir()
	if err := project.ValidateName(root, name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, name, project.GenerationsDir)); err != nil {
		return nil, fmt.Errorf("project %s not found in %s", name, root)
	}
	return project.Open(root, name, project.DefaultOptions(), logger)
}

func printSummary(cmd *cobra.Command, args []string) error {
	logger := writer.NewConsoleLogger(os.Stderr, slog.LevelWarn)
	proj, err := openExisting(args[0], logger)
	if err != nil {
		return err
	}

	summary := proj.Summary()
	switch summaryFormat {
	case "table":
		return summary.WriteTable(os.Stdout)
	case "jsonl":
		return summary.WriteJSONL(os.Stdout)
	default:
		return fmt.Errorf("unknown format %q (want table or jsonl)", summaryFormat)
	}
}

// listProjects lists all projects with their artifact counts
func listProjects(cmd *cobra.Command, args []string) error {
	root := resolveProjectsDir()
	names, err := project.List(root)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No projects found in %s.\n", root)
		return nil
	}

	logger := writer.NewConsoleLogger(os.Stderr, slog.LevelWarn)

	fmt.Println("Available projects:")
	fmt.Println()
	fmt.Printf("%-30s %-12s %-10s %-10s %s\n", "PROJECT", "GENERATIONS", "RESULTS", "FAILED", "RUNS")
	fmt.Println(strings.Repeat("-", 80))

	for _, name := range names {
		proj, err := project.Open(root, name, project.DefaultOptions(), logger)
		if err != nil {
			fmt.Printf("%-30s %s\n", name, err)
			continue
		}
		stats := proj.Stats()
		failed := 0
		for _, counts := range stats.Records {
			failed += counts[models.StatusError] + counts[models.StatusCancelled]
		}
		sessions, _ := writer.ListSessions(proj.RunsDir())
		fmt.Printf("%-30s %-12d %-10d %-10d %d\n", name, stats.Generations, stats.Results, failed, len(sessions))
	}

	return nil
}

// inspectProject displays detailed information about a project
func inspectProject(cmd *cobra.Command, args []string) error {
	logger := writer.NewConsoleLogger(os.Stderr, slog.LevelWarn)
	proj, err := openExisting(args[0], logger)
	if err != nil {
		return err
	}
	stats := proj.Stats()

	fmt.Printf("Project Information for: %s\n", proj.Name())
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Path:                %s\n", proj.Dir())
	fmt.Printf("Generations:         %d\n", stats.Generations)
	fmt.Printf("Results:             %d\n", stats.Results)
	fmt.Println()

	fmt.Println("Stage Records:")
	for _, stage := range []models.Stage{models.StageGenerate, models.StageEvaluate} {
		counts := stats.Records[stage]
		fmt.Printf("  %-10s success=%d error=%d cancelled=%d pending=%d\n", stage,
			counts[models.StatusSuccess], counts[models.StatusError],
			counts[models.StatusCancelled], counts[models.StatusPending])
	}
	fmt.Println()

	failed := false
	for _, stage := range []models.Stage{models.StageGenerate, models.StageEvaluate} {
		for _, rec := range proj.Records(stage) {
			if rec.Status != models.StatusError && rec.Status != models.StatusCancelled {
				continue
			}
			if !failed {
				fmt.Println("Unfinished Stages:")
				failed = true
			}
			fmt.Printf("  [%s] %s %s: %s\n", rec.Status, stage, rec.Label, rec.Error)
		}
	}
	if failed {
		fmt.Println()
	}

	sessions, err := writer.ListSessions(proj.RunsDir())
	if err != nil {
		return err
	}
	fmt.Printf("Run Sessions:        %d\n", len(sessions))
	if len(sessions) > 0 {
		latest, err := writer.OpenSession(proj.RunsDir(), sessions[len(sessions)-1], logger)
		if err != nil {
			return err
		}
		fmt.Printf("Latest Session:      %s\n", latest.Name())
		if data, err := os.ReadFile(latest.GetReportPath()); err == nil {
			var report struct {
				RunID      string `json:"run_id"`
				DurationMS int64  `json:"duration_ms"`
				Error      string `json:"error"`
			}
			if json.Unmarshal(data, &report) == nil {
				fmt.Printf("  Run ID:            %s\n", report.RunID)
				fmt.Printf("  Duration:          %dms\n", report.DurationMS)
				if report.Error != "" {
					fmt.Printf("  Ended With:        %s\n", report.Error)
				}
			}
		}
	}
	fmt.Println()

	summary := proj.Summary()
	if summary.Len() == 0 {
		fmt.Println("No results yet.")
		return nil
	}
	return summary.WriteTable(os.Stdout)
}

// resetProject deletes stored artifacts and records
func resetProject(cmd *cobra.Command, args []string) error {
	if !confirmReset {
		return fmt.Errorf("resetting deletes all stored results of %s; pass --yes to confirm", args[0])
	}
	logger := writer.NewConsoleLogger(os.Stdout, logLevel())
	proj, err := openExisting(args[0], logger)
	if err != nil {
		return err
	}
	before := proj.Stats()
	if err := proj.Reset(); err != nil {
		return err
	}
	fmt.Printf("Reset %s: removed %d generations and %d results.\n", proj.Name(), before.Generations, before.Results)
	return nil
}

// publishProject uploads the current summary of a project
func publishProject(cmd *cobra.Command, args []string) error {
	loadEnvFile()
	logger := writer.NewConsoleLogger(os.Stdout, logLevel())

	proj, err := openExisting(args[0], logger)
	if err != nil {
		return err
	}

	token := os.Getenv("HUGGING_FACE_TOKEN")
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for publishing")
	}

	tmpDir, err := os.MkdirTemp("", "evalforge-publish-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	summaryPath := filepath.Join(tmpDir, "summary.jsonl")
	if err := writer.ExportSummary(summaryPath, proj.Summary()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := hfhub.NewClient(token, os.Getenv("HF_ENDPOINT"), logger)
	return hub.Publish(ctx, hfRepoID,
		[]hfhub.UploadFile{{LocalPath: summaryPath, PathInRepo: "summary.jsonl"}},
		fmt.Sprintf("Update %s results", proj.Name()))
}
