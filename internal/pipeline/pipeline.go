package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/evalforge/internal/aggregator"
	"github.com/lamim/evalforge/internal/metrics"
	"github.com/lamim/evalforge/pkg/models"
)

// DefaultReleaseGrace bounds how long releasing the active model may take
const DefaultReleaseGrace = 10 * time.Second

// Options control scheduling and rerun behaviour
type Options struct {
	// GroupByModel stable-sorts the worklist so experiments sharing a model
	// run back to back. Disable it to keep the caller's order.
	GroupByModel bool
	// ForceRerun reruns every stage and overwrites cached artifacts.
	ForceRerun bool
	// RetryFailed reruns stages whose last record is error or cancelled.
	RetryFailed bool
	// ReleaseGrace bounds releasing the active model.
	ReleaseGrace time.Duration
	// ShowProgress draws a progress bar per stage pass.
	ShowProgress bool
}

// DefaultOptions groups by model and never reruns finished stages
func DefaultOptions() Options {
	return Options{
		GroupByModel: true,
		ReleaseGrace: DefaultReleaseGrace,
	}
}

// Dependencies are the collaborators the pipeline drives
type Dependencies struct {
	Store    Store
	Datasets DatasetProvider
	Runner   ModelRunner
	Metrics  *metrics.Collector // optional
	Logger   *slog.Logger
}

// workItem is one experiment on one split
type workItem struct {
	spec  ExperimentSpec
	split string
	id    models.ExperimentID
}

// Pipeline runs generation and evaluation over a worklist, skipping stages
// whose results are already stored. It owns at most one loaded model.
type Pipeline struct {
	items    []workItem
	store    Store
	datasets DatasetProvider
	runner   ModelRunner
	metrics  *metrics.Collector
	logger   *slog.Logger
	opts     Options
	runID    string
	now      func() time.Time

	active *activeModel
}

// New flattens and validates the definitions into a worklist. Any invalid
// spec fails with ErrConfiguration before a stage runs.
func New(defs []Definition, deps Dependencies, opts Options) (*Pipeline, error) {
	if deps.Store == nil || deps.Datasets == nil || deps.Runner == nil {
		return nil, fmt.Errorf("%w: pipeline needs a store, a dataset provider and a model runner", models.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReleaseGrace <= 0 {
		opts.ReleaseGrace = DefaultReleaseGrace
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector(logger)
	}

	var items []workItem
	for _, def := range defs {
		specs, err := def.Experiments()
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			if err := spec.Validate(); err != nil {
				return nil, err
			}
			spec.Columns = spec.Columns.WithDefaults()

			splits := spec.Dataset.Splits
			if len(splits) == 0 {
				splits = []string{""}
			}
			for _, split := range splits {
				id, err := spec.ID(split)
				if err != nil {
					return nil, err
				}
				items = append(items, workItem{spec: spec, split: split, id: id})
			}
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no experiments to run", models.ErrConfiguration)
	}

	if opts.GroupByModel {
		groupByModel(items)
	}

	runID := uuid.New().String()
	return &Pipeline{
		items:    items,
		store:    deps.Store,
		datasets: deps.Datasets,
		runner:   deps.Runner,
		metrics:  collector,
		logger:   logger.With("component", "pipeline", "run_id", runID),
		opts:     opts,
		runID:    runID,
		now:      time.Now,
	}, nil
}

// groupByModel stable-sorts items so equal models are adjacent, ordering
// the groups by first appearance
func groupByModel(items []workItem) {
	order := make(map[models.ModelRecord]int)
	for _, it := range items {
		rec := it.spec.Model.Record()
		if _, ok := order[rec]; !ok {
			order[rec] = len(order)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return order[items[i].spec.Model.Record()] < order[items[j].spec.Model.Record()]
	})
}

// RunID identifies this pipeline run on the stage records it writes
func (p *Pipeline) RunID() string { return p.runID }

// Experiments lists the worklist ids in execution order
func (p *Pipeline) Experiments() []models.ExperimentID {
	ids := make([]models.ExperimentID, len(p.items))
	for i, it := range p.items {
		ids[i] = it.id
	}
	return ids
}

// Failure describes one failed stage
type Failure struct {
	Key   string
	Label string
	Error string
}

// StageReport counts stage outcomes of one pass
type StageReport struct {
	Stage     models.Stage
	Total     int
	Succeeded int
	Cached    int
	Skipped   int
	Failed    int
	Cancelled int
	Failures  []Failure
}

func (r *StageReport) add(o outcome, label, key, message string) {
	switch o {
	case outcomeSuccess:
		r.Succeeded++
	case outcomeCached:
		r.Cached++
	case outcomeSkipped:
		r.Skipped++
	case outcomeFailed:
		r.Failed++
		r.Failures = append(r.Failures, Failure{Key: key, Label: label, Error: message})
	case outcomeCancelled:
		r.Cancelled++
	}
}

// RunReport summarises a full run
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Generate  StageReport
	Evaluate  StageReport
}

// Run generates every experiment, evaluates those with an evaluator and
// returns the project summary. Experiments without an evaluator whose
// generation exists appear in the summary as rows without metrics.
func (p *Pipeline) Run(ctx context.Context) (aggregator.Summary, RunReport, error) {
	report := RunReport{RunID: p.runID, StartedAt: p.now()}
	p.logger.Info("Starting evaluation run", "experiments", len(p.items))

	var err error
	report.Generate, err = p.Generate(ctx)
	if err != nil {
		report.Duration = p.now().Sub(report.StartedAt)
		return p.store.Summary(), report, err
	}

	report.Evaluate, err = p.Evaluate(ctx)
	if err != nil {
		report.Duration = p.now().Sub(report.StartedAt)
		return p.store.Summary(), report, err
	}

	for _, it := range p.items {
		if it.spec.Evaluator == nil && p.store.HasGeneration(it.id) {
			p.store.TrackExperiment(it.id)
		}
	}

	report.Duration = p.now().Sub(report.StartedAt)
	p.logger.Info("Evaluation run complete",
		"duration", report.Duration.Round(time.Millisecond),
		"generated", report.Generate.Succeeded,
		"generation_failures", report.Generate.Failed,
		"evaluated", report.Evaluate.Succeeded,
		"evaluation_failures", report.Evaluate.Failed)
	return p.store.Summary(), report, nil
}
