package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lamim/evalforge/internal/aggregator"
	"github.com/lamim/evalforge/internal/pipeline"
)

// JSONLWriter handles thread-safe writing of one JSON record per line
type JSONLWriter struct {
	file   *os.File
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLWriter creates (or truncates) path
func NewJSONLWriter(path string, logger *slog.Logger) (*JSONLWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}

	logger.Debug("Created JSONL file", "path", path)

	return &JSONLWriter{
		file:   file,
		logger: logger,
	}, nil
}

// Write appends a single record
func (w *JSONLWriter) Write(record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close syncs and closes the file
func (w *JSONLWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("Failed to sync JSONL file", "error", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(w.file.Name()), err)
	}
	return nil
}

// ExportSummary writes the summary as JSONL. The file is written under a
// temporary name and renamed into place.
func ExportSummary(path string, summary aggregator.Summary) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*")
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	err = summary.WriteJSONL(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// failureRecord is one line of failures.jsonl
type failureRecord struct {
	Stage string `json:"stage"`
	Key   string `json:"key"`
	Label string `json:"label"`
	Error string `json:"error"`
}

// runReport is the JSON form of pipeline.RunReport
type runReport struct {
	RunID      string             `json:"run_id"`
	Session    string             `json:"session"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMS int64              `json:"duration_ms"`
	Stages     []stageCountRecord `json:"stages"`
	Error      string             `json:"error,omitempty"`
}

type stageCountRecord struct {
	Stage     string `json:"stage"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Cached    int    `json:"cached"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

func stageCounts(r pipeline.StageReport) stageCountRecord {
	return stageCountRecord{
		Stage:     string(r.Stage),
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Cached:    r.Cached,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Cancelled: r.Cancelled,
	}
}

// WriteRunResults stores the run report, the failure log and the summary in
// the session directory. runErr is the error the run ended with, if any.
func (sm *SessionManager) WriteRunResults(report pipeline.RunReport, summary aggregator.Summary, runErr error) error {
	rep := runReport{
		RunID:      report.RunID,
		Session:    sm.name,
		StartedAt:  report.StartedAt,
		DurationMS: report.Duration.Milliseconds(),
	}
	// A pass that never started has no stage
	for _, stage := range []pipeline.StageReport{report.Generate, report.Evaluate} {
		if stage.Stage != "" {
			rep.Stages = append(rep.Stages, stageCounts(stage))
		}
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	if err := os.WriteFile(sm.GetReportPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}

	failures, err := NewJSONLWriter(sm.GetFailuresPath(), sm.logger)
	if err != nil {
		return err
	}
	for _, stage := range []pipeline.StageReport{report.Generate, report.Evaluate} {
		for _, f := range stage.Failures {
			if err := failures.Write(failureRecord{Stage: string(stage.Stage), Key: f.Key, Label: f.Label, Error: f.Error}); err != nil {
				_ = failures.Close()
				return err
			}
		}
	}
	if err := failures.Close(); err != nil {
		return err
	}

	if err := ExportSummary(sm.GetSummaryPath(), summary); err != nil {
		return err
	}

	sm.logger.Info("Wrote run results",
		"session", sm.name,
		"summary_rows", summary.Len(),
		"failures", failures.Count())
	return nil
}
