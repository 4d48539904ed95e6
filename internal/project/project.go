package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lamim/evalforge/internal/aggregator"
	"github.com/lamim/evalforge/pkg/models"
)

// Options control how a project directory is opened
type Options struct {
	// LoadExisting rehydrates an existing project. When false, opening an
	// existing project fails with ErrProjectExists.
	LoadExisting bool
	// Reset deletes the project directory before opening it.
	Reset bool
}

// DefaultOptions loads an existing project without resetting it
func DefaultOptions() Options {
	return Options{LoadExisting: true}
}

// Project is the durable result store of one named evaluation project.
// It assumes a single writing process.
type Project struct {
	name   string
	dir    string
	logger *slog.Logger
	agg    *aggregator.Aggregator

	mu          sync.RWMutex
	generations map[string]generationMeta
	results     map[string]resultMeta
	records     map[models.Stage]map[string]models.StageRecord
	tracked     map[string]trackedMeta
}

// Open opens (or creates) the project <root>/<name>
func Open(root, name string, opts Options, logger *slog.Logger) (*Project, error) {
	if err := ValidateName(root, name); err != nil {
		return nil, err
	}

	p := &Project{
		name:   name,
		dir:    filepath.Join(root, name),
		logger: logger.With("component", "project", "project", name),
		agg:    aggregator.New(),
	}
	p.clearIndex()

	if opts.Reset {
		if err := removeIfExists(p.dir); err != nil {
			return nil, fmt.Errorf("failed to reset project: %w", err)
		}
		p.logger.Info("Project reset")
	}

	_, statErr := os.Stat(p.dir)
	exists := statErr == nil
	if exists && !opts.LoadExisting {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, p.dir)
	}

	if err := p.ensureLayout(); err != nil {
		return nil, err
	}

	if exists {
		if err := p.Reload(); err != nil {
			return nil, err
		}
	} else {
		p.logger.Info("Created new project", "path", p.dir)
	}
	return p, nil
}

// Name returns the project name
func (p *Project) Name() string { return p.name }

// SetLogger replaces the logger. Call it before the project is shared.
func (p *Project) SetLogger(logger *slog.Logger) {
	p.logger = logger.With("component", "project", "project", p.name)
}

// Dir returns the project directory
func (p *Project) Dir() string { return p.dir }

// RunsDir returns the directory holding run sessions
func (p *Project) RunsDir() string { return filepath.Join(p.dir, RunsDir) }

func (p *Project) ensureLayout() error {
	for _, sub := range []string{GenerationsDir, ResultsDir, RecordsDir, RunsDir} {
		if err := os.MkdirAll(filepath.Join(p.dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create project directory: %w", err)
		}
	}
	return nil
}

func (p *Project) clearIndex() {
	p.generations = make(map[string]generationMeta)
	p.results = make(map[string]resultMeta)
	p.tracked = make(map[string]trackedMeta)
	p.records = map[models.Stage]map[string]models.StageRecord{
		models.StageGenerate: {},
		models.StageEvaluate: {},
	}
}

// Reload rebuilds the in-memory index, stage records and aggregator from
// the metadata on disk. Unreadable or partial entries are logged and
// skipped.
func (p *Project) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearIndex()
	p.agg.Reset()

	genFiles, err := filepath.Glob(filepath.Join(p.dir, GenerationsDir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list generations: %w", err)
	}
	for _, path := range genFiles {
		var meta generationMeta
		if err := readJSON(path, &meta); err != nil {
			p.logger.Warn("Skipping unreadable generation metadata", "path", path, "error", err)
			continue
		}
		if err := meta.ID.Validate(); err != nil {
			p.logger.Warn("Skipping generation with invalid id", "path", path, "error", err)
			continue
		}
		key := meta.ID.Key()
		if _, err := os.Stat(p.rowsPath(key)); err != nil {
			p.logger.Warn("Skipping generation without data", "path", path, "error", err)
			continue
		}
		meta.location = path
		p.generations[key] = meta
	}

	resFiles, err := filepath.Glob(filepath.Join(p.dir, ResultsDir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	var metas []resultMeta
	for _, path := range resFiles {
		var meta resultMeta
		if err := readJSON(path, &meta); err != nil {
			p.logger.Warn("Skipping unreadable result metadata", "path", path, "error", err)
			continue
		}
		if err := meta.ID.Validate(); err != nil {
			p.logger.Warn("Skipping result with invalid id", "path", path, "error", err)
			continue
		}
		if meta.Result.Name == "" {
			meta.Result.Name = meta.ID.Metric
		}
		meta.location = path
		metas = append(metas, meta)
	}
	p.loadTracked()
	p.replay(metas)

	loadedRecords := 0
	for stage := range p.records {
		recFiles, err := filepath.Glob(filepath.Join(p.dir, RecordsDir, string(stage), "*.json"))
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		for _, path := range recFiles {
			var rec models.StageRecord
			if err := readJSON(path, &rec); err != nil {
				p.logger.Warn("Skipping unreadable stage record", "path", path, "error", err)
				continue
			}
			if err := rec.Validate(); err != nil || rec.Stage != stage {
				p.logger.Warn("Skipping invalid stage record", "path", path, "error", err)
				continue
			}
			p.records[stage][rec.Key] = rec
			loadedRecords++
		}
	}

	p.logger.Info("Project loaded",
		"generations", len(p.generations),
		"results", len(p.results),
		"records", loadedRecords)
	return nil
}

// Reset deletes every stored artifact and stage record. Run sessions are kept.
func (p *Project) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range []string{GenerationsDir, ResultsDir, RecordsDir} {
		if err := removeIfExists(filepath.Join(p.dir, sub)); err != nil {
			return fmt.Errorf("failed to reset project: %w", err)
		}
	}
	p.clearIndex()
	p.agg.Reset()
	p.logger.Info("Project reset")
	return p.ensureLayout()
}

// Remove deletes the project directory. The Project must not be used afterwards.
func (p *Project) Remove() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := removeIfExists(p.dir); err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}
	p.clearIndex()
	p.agg.Reset()
	p.logger.Info("Project removed", "path", p.dir)
	return nil
}

// Summary returns the aggregated result table
func (p *Project) Summary() aggregator.Summary {
	return p.agg.Summary()
}

// Stats describes the contents of a project
type Stats struct {
	Generations int
	Results     int
	Records     map[models.Stage]map[models.RecordStatus]int
}

// Stats counts stored artifacts and records by status
func (p *Project) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		Generations: len(p.generations),
		Results:     len(p.results),
		Records:     make(map[models.Stage]map[models.RecordStatus]int),
	}
	for stage, recs := range p.records {
		counts := make(map[models.RecordStatus]int)
		for _, rec := range recs {
			counts[rec.Status]++
		}
		stats.Records[stage] = counts
	}
	return stats
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("empty file")
	}
	return json.Unmarshal(data, v)
}
