package pipeline

import (
	"context"

	"github.com/lamim/evalforge/internal/aggregator"
	"github.com/lamim/evalforge/pkg/models"
)

// DatasetProvider loads dataset splits. It may download and cache data; the
// pipeline only sees the returned rows, keyed by split name.
type DatasetProvider interface {
	Load(ctx context.Context, name, version string, splits []string) (map[string][]models.Row, error)
}

// Preprocessor adapts raw dataset rows to the configured columns
type Preprocessor interface {
	Transform(rows []models.Row, columns models.ColumnMapping) ([]models.Row, error)
}

// PreprocessorFunc adapts a function to the Preprocessor interface
type PreprocessorFunc func(rows []models.Row, columns models.ColumnMapping) ([]models.Row, error)

// Transform calls f
func (f PreprocessorFunc) Transform(rows []models.Row, columns models.ColumnMapping) ([]models.Row, error) {
	return f(rows, columns)
}

// ModelRunner loads models
type ModelRunner interface {
	Load(ctx context.Context, cfg models.ModelConfig) (Model, error)
}

// Model is a loaded model. Generate returns one output per prompt. Close
// releases everything the model owns and must return once ctx is done.
type Model interface {
	Generate(ctx context.Context, prompts []models.Prompt) ([]string, error)
	Close(ctx context.Context) error
}

// Scorer computes metrics over a generation artifact
type Scorer interface {
	Score(ctx context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error)
}

// ScorerFunc adapts a function to the Scorer interface
type ScorerFunc func(ctx context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error)

// Score calls f
func (f ScorerFunc) Score(ctx context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error) {
	return f(ctx, gen, columns)
}

// ScorerFactory builds a scorer around a loaded model
type ScorerFactory interface {
	CreateScorer(model Model) (Scorer, error)
}

// Store is the subset of the project store the pipeline needs
type Store interface {
	AddGeneration(artifact models.GenerationArtifact, allowOverwrite bool) (string, error)
	Generation(id models.ExperimentID) (models.GenerationArtifact, error)
	HasGeneration(id models.ExperimentID) bool
	GenerationLocation(id models.ExperimentID) (string, bool)

	AddResult(artifact models.EvaluationArtifact, allowOverwrite bool) (string, error)
	HasResult(id models.ResultID) bool
	ResultLocation(id models.ResultID) (string, bool)
	HasResultAt(location string) bool

	SaveRecord(rec models.StageRecord) error
	Record(stage models.Stage, key string) (models.StageRecord, bool)

	TrackExperiment(id models.ExperimentID)
	Summary() aggregator.Summary
}
