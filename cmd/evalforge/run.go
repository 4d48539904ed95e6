package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lamim/evalforge/internal/api"
	"github.com/lamim/evalforge/internal/config"
	"github.com/lamim/evalforge/internal/hfhub"
	"github.com/lamim/evalforge/internal/metrics"
	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/project"
	"github.com/lamim/evalforge/internal/runner"
	"github.com/lamim/evalforge/internal/writer"
	"github.com/lamim/evalforge/pkg/models"
)

func runEvaluation(cmd *cobra.Command, args []string) error {
	loadEnvFile()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if forceRerun {
		cfg.Pipeline.ForceRerun = true
	}
	if retryFailed {
		cfg.Pipeline.RetryFailed = true
	}

	if verbose {
		for provider, key := range secrets.APIKeys {
			if key != "" {
				fmt.Fprintf(os.Stderr, "Loaded API key for: %s (length: %d)\n", provider, len(key))
			}
		}
	}

	console := writer.NewConsoleLogger(os.Stdout, logLevel())

	loadExisting := *cfg.Project.LoadExisting
	proj, err := project.Open(cfg.Project.ProjectsDir, cfg.Project.Name,
		project.Options{LoadExisting: loadExisting, Reset: cfg.Project.Reset}, console)
	if err != nil {
		return fmt.Errorf("failed to open project: %w", err)
	}

	sessionMgr, err := writer.NewSessionManager(proj.RunsDir(), console)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, os.Stdout, logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()
	sessionMgr.SetLogger(logger)
	proj.SetLogger(logger)

	logger.Info("evalforge starting",
		"version", Version,
		"config", configPath,
		"project", proj.Dir(),
		"session_dir", sessionMgr.GetSessionDir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, logger)
		defer shutdown()
	}

	apiClient := api.NewClient(logger)
	apiClient.SetMetrics(collector)
	if len(cfg.ProviderRateLimits) > 0 {
		apiClient.SetProviderRateLimits(cfg.ProviderRateLimits)
		logger.Info("Provider rate limits configured", "providers", cfg.ProviderRateLimits)
	}

	modelRunner := runner.NewOpenAIRunner(apiClient, secrets.GetAPIKey, logger)
	modelRunner.SetShowProgress(cfg.Pipeline.ShowProgress)

	hub := hfhub.NewClient(secrets.HuggingFaceToken, cfg.HuggingFace.Endpoint, logger)

	plan, err := cfg.Build(hub, logger)
	if err != nil {
		return fmt.Errorf("failed to build experiments: %w", err)
	}

	p, err := pipeline.New(plan.Definitions, pipeline.Dependencies{
		Store:    proj,
		Datasets: plan.Datasets,
		Runner:   modelRunner,
		Metrics:  collector,
		Logger:   logger,
	}, plan.Options)
	if err != nil {
		return err
	}

	summary, report, runErr := p.Run(ctx)

	if err := sessionMgr.WriteRunResults(report, summary, runErr); err != nil {
		logger.Error("Failed to write run results", "error", err)
	}

	fmt.Println()
	if err := summary.WriteTable(os.Stdout); err != nil {
		logger.Warn("Failed to print summary", "error", err)
	}
	fmt.Println()

	if runErr != nil {
		if errors.Is(runErr, models.ErrInterrupted) {
			logger.Warn("Run interrupted - rerun the same command to continue",
				"config", configPath,
				"session_dir", sessionMgr.GetSessionDir())
			return fmt.Errorf("run interrupted (finished stages are kept)")
		}
		return fmt.Errorf("run failed: %w", runErr)
	}

	logger.Info("Run complete",
		"generated", report.Generate.Succeeded,
		"generation_failures", report.Generate.Failed,
		"evaluated", report.Evaluate.Succeeded,
		"evaluation_failures", report.Evaluate.Failed,
		"duration", report.Duration.Round(time.Millisecond),
		"session_dir", sessionMgr.GetSessionDir())

	if publish {
		repoID := hfRepoID
		if repoID == "" {
			repoID = cfg.HuggingFace.PublishRepoID
		}
		if repoID == "" {
			return fmt.Errorf("--hf-repo-id or huggingface.publish_repo_id must be set when using --publish")
		}
		if secrets.HuggingFaceToken == "" {
			return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for publishing")
		}
		files := []hfhub.UploadFile{
			{LocalPath: sessionMgr.GetSummaryPath(), PathInRepo: "summary.jsonl"},
			{LocalPath: sessionMgr.GetReportPath(), PathInRepo: "runs/" + sessionMgr.Name() + "/report.json"},
		}
		message := fmt.Sprintf("Update %s results (run %s)", proj.Name(), report.RunID)
		if err := hub.Publish(ctx, repoID, files, message); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
	}

	if report.Generate.Failed+report.Evaluate.Failed > 0 {
		logger.Warn("Some stages failed - rerun with --retry-failed to try them again",
			"failures", sessionMgr.GetFailuresPath())
	}
	return nil
}

// serveMetrics exposes the default Prometheus registry and returns a
// function that stops the server
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
