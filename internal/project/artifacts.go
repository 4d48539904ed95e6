package project

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lamim/evalforge/pkg/models"
)

// generationMeta is the metadata file written next to a generation's data
type generationMeta struct {
	ID        models.ExperimentID `json:"experiment_id"`
	Rows      int                 `json:"rows"`
	CreatedAt time.Time           `json:"created_at"`

	location string
}

// resultMeta is the metadata file of an evaluation result
type resultMeta struct {
	ID        models.ResultID         `json:"result_id"`
	Result    models.EvaluationResult `json:"evaluation_result"`
	CreatedAt time.Time               `json:"created_at"`

	location string
}

func (p *Project) generationPath(key string) string {
	return filepath.Join(p.dir, GenerationsDir, key+".json")
}

func (p *Project) rowsPath(key string) string {
	return filepath.Join(p.dir, GenerationsDir, generationDataDir, key, rowsFilename)
}

func (p *Project) resultPath(key string) string {
	return filepath.Join(p.dir, ResultsDir, key+".json")
}

// AddGeneration stores a generation artifact and returns its location.
// An existing entry for the same experiment fails with ErrCacheConflict
// unless allowOverwrite is set. The data blob is written before the
// metadata, so a crash leaves no metadata pointing at missing data.
func (p *Project) AddGeneration(artifact models.GenerationArtifact, allowOverwrite bool) (string, error) {
	if err := artifact.ID.Validate(); err != nil {
		return "", err
	}
	key := artifact.ID.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.generations[key]; exists && !allowOverwrite {
		return "", fmt.Errorf("%w: generation %s", models.ErrCacheConflict, artifact.ID)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range artifact.Rows {
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("failed to encode row %d: %w", i, err)
		}
	}
	if err := writeFileAtomic(p.rowsPath(key), buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write generation data: %w", err)
	}

	meta := generationMeta{
		ID:        artifact.ID,
		Rows:      len(artifact.Rows),
		CreatedAt: time.Now(),
		location:  p.generationPath(key),
	}
	if err := writeJSONAtomic(meta.location, meta); err != nil {
		return "", fmt.Errorf("failed to write generation metadata: %w", err)
	}

	p.generations[key] = meta
	p.logger.Debug("Generation stored", "experiment", artifact.ID.String(), "rows", meta.Rows)
	return meta.location, nil
}

// HasGeneration reports whether a generation is cached for the experiment
func (p *Project) HasGeneration(id models.ExperimentID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.generations[id.Key()]
	return ok
}

// GenerationLocation returns the metadata path of a cached generation
func (p *Project) GenerationLocation(id models.ExperimentID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	meta, ok := p.generations[id.Key()]
	return meta.location, ok
}

// Generation loads a cached generation artifact
func (p *Project) Generation(id models.ExperimentID) (models.GenerationArtifact, error) {
	key := id.Key()

	p.mu.RLock()
	_, ok := p.generations[key]
	p.mu.RUnlock()
	if !ok {
		return models.GenerationArtifact{}, fmt.Errorf("%w: generation %s", models.ErrNotFound, id)
	}

	rows, err := readRows(p.rowsPath(key))
	if err != nil {
		return models.GenerationArtifact{}, fmt.Errorf("failed to read generation %s: %w", id, err)
	}
	return models.GenerationArtifact{ID: id, Rows: rows}, nil
}

// GenerationIDs lists the cached generations ordered by key
func (p *Project) GenerationIDs() []models.ExperimentID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.generations))
	for k := range p.generations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ids := make([]models.ExperimentID, len(keys))
	for i, k := range keys {
		ids[i] = p.generations[k].ID
	}
	return ids
}

// RemoveGeneration deletes a cached generation and its data
func (p *Project) RemoveGeneration(id models.ExperimentID) error {
	key := id.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.generations[key]; !ok {
		return fmt.Errorf("%w: generation %s", models.ErrNotFound, id)
	}
	if err := removeIfExists(p.generationPath(key)); err != nil {
		return fmt.Errorf("failed to remove generation metadata: %w", err)
	}
	if err := removeIfExists(filepath.Dir(p.rowsPath(key))); err != nil {
		return fmt.Errorf("failed to remove generation data: %w", err)
	}
	delete(p.generations, key)
	if err := p.removeRecord(models.StageGenerate, key); err != nil {
		return err
	}
	if err := p.untrack(id); err != nil {
		return fmt.Errorf("failed to untrack experiment: %w", err)
	}
	return nil
}

// AddResult stores an evaluation result, forwards it to the aggregator and
// returns its location. With allowOverwrite an existing result and its
// aggregated value are replaced; otherwise a duplicate fails with
// ErrCacheConflict.
func (p *Project) AddResult(artifact models.EvaluationArtifact, allowOverwrite bool) (string, error) {
	if artifact.Result.Name == "" {
		artifact.Result.Name = artifact.ID.Metric
	}
	if err := artifact.ID.Validate(); err != nil {
		return "", err
	}
	if artifact.Result.Name != artifact.ID.Metric {
		return "", fmt.Errorf("%w: result name %q does not match metric %q",
			models.ErrConfiguration, artifact.Result.Name, artifact.ID.Metric)
	}
	key := artifact.ID.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.results[key]; exists && !allowOverwrite {
		return "", fmt.Errorf("%w: result %s", models.ErrCacheConflict, artifact.ID)
	}

	meta := resultMeta{
		ID:        artifact.ID,
		Result:    artifact.Result,
		CreatedAt: time.Now(),
		location:  p.resultPath(key),
	}
	if err := writeJSONAtomic(meta.location, meta); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}

	var err error
	if allowOverwrite {
		err = p.agg.Replace(artifact.Result, artifact.ID.Experiment())
	} else {
		err = p.agg.Add(artifact.Result, artifact.ID.Experiment(), false)
	}
	if err != nil {
		return "", err
	}

	p.results[key] = meta
	p.logger.Debug("Result stored", "result", artifact.ID.String())
	return meta.location, nil
}

// HasResult reports whether a result is cached
func (p *Project) HasResult(id models.ResultID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.results[id.Key()]
	return ok
}

// ResultLocation returns the path of a cached result
func (p *Project) ResultLocation(id models.ResultID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	meta, ok := p.results[id.Key()]
	return meta.location, ok
}

// Result returns a cached evaluation result
func (p *Project) Result(id models.ResultID) (models.EvaluationArtifact, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	meta, ok := p.results[id.Key()]
	if !ok {
		return models.EvaluationArtifact{}, fmt.Errorf("%w: result %s", models.ErrNotFound, id)
	}
	return models.EvaluationArtifact{ID: meta.ID, Result: meta.Result}, nil
}

// ResultIDs lists the cached results ordered by key
func (p *Project) ResultIDs() []models.ResultID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.results))
	for k := range p.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ids := make([]models.ResultID, len(keys))
	for i, k := range keys {
		ids[i] = p.results[k].ID
	}
	return ids
}

// HasResultAt reports whether a stored result lives at location
func (p *Project) HasResultAt(location string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, meta := range p.results {
		if meta.location == location {
			return true
		}
	}
	return false
}

// RemoveResult deletes a cached result, its aggregated value and the
// evaluate records that point at it
func (p *Project) RemoveResult(id models.ResultID) error {
	key := id.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	meta, ok := p.results[key]
	if !ok {
		return fmt.Errorf("%w: result %s", models.ErrNotFound, id)
	}
	if err := removeIfExists(p.resultPath(key)); err != nil {
		return fmt.Errorf("failed to remove result: %w", err)
	}
	delete(p.results, key)
	p.agg.Remove(id)

	for recKey, rec := range p.records[models.StageEvaluate] {
		if recKey == key || rec.Location == meta.location {
			if err := p.removeRecord(models.StageEvaluate, recKey); err != nil {
				return err
			}
		}
	}
	return p.removeRecord(models.StageEvaluate, key)
}

func readRows(path string) ([]models.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rows []models.Row
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var row models.Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
