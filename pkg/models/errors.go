package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates a malformed or incomplete experiment definition.
	ErrConfiguration = errors.New("invalid experiment configuration")

	// ErrCacheConflict indicates a write to an identity that already has an entry.
	ErrCacheConflict = errors.New("cache entry already exists")

	// ErrNotFound indicates a lookup of a missing artifact or record.
	ErrNotFound = errors.New("not found")

	// ErrInterrupted indicates the run was cancelled from outside.
	ErrInterrupted = errors.New("pipeline interrupted")

	// ErrGeneration indicates the model runner failed for one experiment.
	ErrGeneration = errors.New("generation failed")

	// ErrEvaluation indicates the scorer failed for one experiment.
	ErrEvaluation = errors.New("evaluation failed")
)

// StageError wraps a collaborator failure with the stage and identity it hit.
// It matches ErrGeneration or ErrEvaluation with errors.Is.
type StageError struct {
	Stage Stage
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() []error {
	sentinel := ErrGeneration
	if e.Stage == StageEvaluate {
		sentinel = ErrEvaluation
	}
	return []error{sentinel, e.Err}
}
