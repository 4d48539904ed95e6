package pipeline

import (
	"fmt"

	"github.com/lamim/evalforge/pkg/models"
)

// DatasetRef names a dataset and the splits an experiment runs on. An empty
// split list means the dataset is unsplit.
type DatasetRef struct {
	Name    string
	Version string
	Splits  []string
}

// TaskSpec describes how dataset rows become model inputs
type TaskSpec struct {
	Name         string // optional, part of the experiment id
	Prompt       string // prompt name, part of the experiment id
	Preprocessor Preprocessor
}

// EvaluatorKind tells the two evaluator shapes apart
type EvaluatorKind int

const (
	// EvaluatorScorer wraps a ready scorer
	EvaluatorScorer EvaluatorKind = iota + 1
	// EvaluatorModel builds its scorer from a loaded model
	EvaluatorModel
)

func (k EvaluatorKind) String() string {
	switch k {
	case EvaluatorScorer:
		return "scorer"
	case EvaluatorModel:
		return "model"
	default:
		return "unknown"
	}
}

// Evaluator produces metrics for a generation. Build one with
// NewScorerEvaluator or NewModelEvaluator.
type Evaluator struct {
	name    string
	kind    EvaluatorKind
	scorer  Scorer
	factory ScorerFactory
	model   models.ModelConfig
}

// NewScorerEvaluator returns an evaluator that scores with s directly
func NewScorerEvaluator(name string, s Scorer) *Evaluator {
	return &Evaluator{name: name, kind: EvaluatorScorer, scorer: s}
}

// NewModelEvaluator returns an evaluator whose scorer needs the given model
// loaded first
func NewModelEvaluator(name string, f ScorerFactory, model models.ModelConfig) *Evaluator {
	return &Evaluator{name: name, kind: EvaluatorModel, factory: f, model: model}
}

// Name returns the evaluator name, used as the metric of its stage record
func (e *Evaluator) Name() string { return e.name }

// Kind returns the evaluator shape
func (e *Evaluator) Kind() EvaluatorKind { return e.kind }

// Model returns the model a model evaluator needs
func (e *Evaluator) Model() (models.ModelConfig, bool) {
	return e.model, e.kind == EvaluatorModel
}

// Validate checks that the evaluator is usable
func (e *Evaluator) Validate() error {
	if e.name == "" {
		return fmt.Errorf("%w: evaluator name is required", models.ErrConfiguration)
	}
	switch e.kind {
	case EvaluatorScorer:
		if e.scorer == nil {
			return fmt.Errorf("%w: evaluator %s has no scorer", models.ErrConfiguration, e.name)
		}
	case EvaluatorModel:
		if e.factory == nil {
			return fmt.Errorf("%w: evaluator %s has no scorer factory", models.ErrConfiguration, e.name)
		}
		if e.model.Name == "" {
			return fmt.Errorf("%w: evaluator %s has no model", models.ErrConfiguration, e.name)
		}
	default:
		return fmt.Errorf("%w: evaluator %s has unknown kind", models.ErrConfiguration, e.name)
	}
	return nil
}

// Definition is anything that expands into experiments: an ExperimentSpec
// or a BatchSpec
type Definition interface {
	Experiments() ([]ExperimentSpec, error)
}

// ExperimentSpec is the immutable configuration of one experiment
type ExperimentSpec struct {
	Dataset   DatasetRef
	Task      TaskSpec
	Model     models.ModelConfig
	Evaluator *Evaluator // nil when the experiment is generation only
	Columns   models.ColumnMapping
}

// Experiments returns the experiment itself
func (s ExperimentSpec) Experiments() ([]ExperimentSpec, error) {
	return []ExperimentSpec{s}, nil
}

// Validate checks the experiment before any stage runs
func (s ExperimentSpec) Validate() error {
	if s.Dataset.Name == "" {
		return fmt.Errorf("%w: dataset name is required", models.ErrConfiguration)
	}
	if s.Task.Prompt == "" {
		return fmt.Errorf("%w: prompt name is required for dataset %s", models.ErrConfiguration, s.Dataset.Name)
	}
	if s.Model.Name == "" {
		return fmt.Errorf("%w: model name is required for dataset %s", models.ErrConfiguration, s.Dataset.Name)
	}
	seen := make(map[string]struct{}, len(s.Dataset.Splits))
	for _, split := range s.Dataset.Splits {
		if split == "" {
			return fmt.Errorf("%w: dataset %s has an empty split name", models.ErrConfiguration, s.Dataset.Name)
		}
		if _, dup := seen[split]; dup {
			return fmt.Errorf("%w: dataset %s lists split %s twice", models.ErrConfiguration, s.Dataset.Name, split)
		}
		seen[split] = struct{}{}
	}
	if s.Evaluator != nil {
		if err := s.Evaluator.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the experiment id for one split
func (s ExperimentSpec) ID(split string) (models.ExperimentID, error) {
	return models.NewExperimentID(s.Dataset.Name, split, s.Task.Name, s.Task.Prompt, s.Model.Name)
}

// BatchTask is one dataset + task pair of a batch
type BatchTask struct {
	Dataset DatasetRef
	Task    TaskSpec
}

// BatchSpec expands into every combination of its tasks, models and
// evaluators. Without evaluators each combination is generation only.
type BatchSpec struct {
	Tasks      []BatchTask
	Models     []models.ModelConfig
	Evaluators []*Evaluator
	Columns    models.ColumnMapping
}

// Validate checks that the batch can produce experiments
func (b BatchSpec) Validate() error {
	if len(b.Tasks) == 0 {
		return fmt.Errorf("%w: batch must have at least one task", models.ErrConfiguration)
	}
	if len(b.Models) == 0 {
		return fmt.Errorf("%w: batch must have at least one model", models.ErrConfiguration)
	}
	return nil
}

// Experiments expands the batch in task, model, evaluator order
func (b BatchSpec) Experiments() ([]ExperimentSpec, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	evaluators := b.Evaluators
	if len(evaluators) == 0 {
		evaluators = []*Evaluator{nil}
	}

	specs := make([]ExperimentSpec, 0, len(b.Tasks)*len(b.Models)*len(evaluators))
	for _, task := range b.Tasks {
		for _, model := range b.Models {
			for _, ev := range evaluators {
				specs = append(specs, ExperimentSpec{
					Dataset:   task.Dataset,
					Task:      task.Task,
					Model:     model,
					Evaluator: ev,
					Columns:   b.Columns,
				})
			}
		}
	}
	return specs, nil
}
