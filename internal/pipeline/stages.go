package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/evalforge/pkg/models"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeCached
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeCached:
		return "cached"
	case outcomeSkipped:
		return "skipped"
	case outcomeFailed:
		return "error"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// stageResult is what one stage attempt reports back to its pass
type stageResult struct {
	outcome  outcome
	message  string
	duration time.Duration
}

// Generate runs the generation stage over the worklist. The active model is
// released when the pass ends.
func (p *Pipeline) Generate(ctx context.Context) (StageReport, error) {
	report := StageReport{Stage: models.StageGenerate, Total: len(p.items)}
	err := p.pass(ctx, models.StageGenerate, p.items, &report, p.generateOne)
	return report, err
}

// Evaluate runs the evaluation stage over the experiments that have an
// evaluator. The active model is released when the pass ends.
func (p *Pipeline) Evaluate(ctx context.Context) (StageReport, error) {
	var items []workItem
	for _, it := range p.items {
		if it.spec.Evaluator != nil {
			items = append(items, it)
		}
	}
	report := StageReport{Stage: models.StageEvaluate, Total: len(items)}
	if len(items) == 0 {
		return report, nil
	}
	err := p.pass(ctx, models.StageEvaluate, items, &report, p.evaluateOne)
	return report, err
}

func (p *Pipeline) pass(
	ctx context.Context,
	stage models.Stage,
	items []workItem,
	report *StageReport,
	run func(context.Context, workItem) (stageResult, error),
) error {
	defer p.release()

	var bar *progressbar.ProgressBar
	if p.opts.ShowProgress {
		bar = progressbar.Default(int64(len(items)), stageDescription(stage))
		defer func() { _ = bar.Finish() }()
	}

	p.logger.Info("Starting stage", "stage", stage, "experiments", len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s stage stopped before %s: %w", models.ErrInterrupted, stage, it.id, err)
		}
		p.metrics.SetRemaining(string(stage), len(items)-i)

		res, err := run(ctx, it)
		report.add(res.outcome, it.id.String(), recordKey(stage, it), res.message)
		p.metrics.RecordStage(string(stage), res.outcome.String(), res.duration)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			return err
		}
	}
	p.metrics.SetRemaining(string(stage), 0)

	p.logger.Info("Stage complete",
		"stage", stage,
		"succeeded", report.Succeeded,
		"cached", report.Cached,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return nil
}

func stageDescription(stage models.Stage) string {
	if stage == models.StageEvaluate {
		return "Evaluating"
	}
	return "Generating"
}

func recordKey(stage models.Stage, it workItem) string {
	if stage == models.StageEvaluate && it.spec.Evaluator != nil {
		return it.id.WithMetric(it.spec.Evaluator.Name()).Key()
	}
	return it.id.Key()
}

// checkCache decides whether a stage can be skipped. It returns the
// existing record (or a fresh one) to transition from. A success record
// only counts while stored reports its artifact as present; otherwise the
// stage reruns and overwrites.
func (p *Pipeline) checkCache(
	stage models.Stage,
	key, label string,
	cachedLocation func() (string, bool),
	stored func(location string) bool,
) (models.StageRecord, *stageResult, error) {
	rec, hasRecord := p.store.Record(stage, key)
	if !hasRecord {
		rec = models.StageRecord{Stage: stage, Key: key, Label: label}
	}
	if p.opts.ForceRerun {
		return rec, nil, nil
	}

	if hasRecord && rec.Status == models.StatusSuccess {
		if stored(rec.Location) {
			return rec, &stageResult{outcome: outcomeCached}, nil
		}
		p.logger.Warn("Stored artifact is missing, rerunning stage",
			"stage", stage, "experiment", label, "location", rec.Location)
	}

	if location, ok := cachedLocation(); ok {
		// Artifact stored without a success record; record it now.
		synth := models.StageRecord{Stage: stage, Key: key, Label: label, RunID: p.runID, StartedAt: p.now()}
		synth, err := synth.Transition(models.StatusSuccess, "", location, p.now())
		if err != nil {
			return rec, nil, err
		}
		if err := p.store.SaveRecord(synth); err != nil {
			return rec, nil, fmt.Errorf("failed to save %s record: %w", stage, err)
		}
		return synth, &stageResult{outcome: outcomeCached}, nil
	}

	if hasRecord && rec.Status.Failed() && !p.opts.RetryFailed {
		p.logger.Warn("Skipping previously failed stage",
			"stage", stage, "experiment", label, "status", rec.Status, "error", rec.Error)
		return rec, &stageResult{outcome: outcomeSkipped, message: rec.Error}, nil
	}
	if hasRecord && rec.Status == models.StatusPending {
		p.logger.Info("Retrying interrupted stage", "stage", stage, "experiment", label)
	}
	return rec, nil, nil
}

// begin persists the pending record for a stage attempt
func (p *Pipeline) begin(rec models.StageRecord) (models.StageRecord, error) {
	rec.RunID = p.runID
	pending, err := rec.Transition(models.StatusPending, "", "", p.now())
	if err != nil {
		return rec, err
	}
	if err := p.store.SaveRecord(pending); err != nil {
		return rec, fmt.Errorf("failed to save %s record: %w", rec.Stage, err)
	}
	return pending, nil
}

// finish moves the pending record to its terminal status. Collaborator
// failures, configuration errors included, are recorded against the
// experiment and the pass continues. Interrupts, cache conflicts and store
// errors are returned.
func (p *Pipeline) finish(ctx context.Context, pending models.StageRecord, location string, stageErr error) (stageResult, error) {
	duration := p.now().Sub(pending.StartedAt)
	log := p.logger.With("stage", pending.Stage, "experiment", pending.Label)

	if stageErr == nil {
		done, err := pending.Transition(models.StatusSuccess, "", location, p.now())
		if err != nil {
			return stageResult{outcome: outcomeFailed, message: err.Error()}, err
		}
		if err := p.store.SaveRecord(done); err != nil {
			return stageResult{outcome: outcomeFailed, message: err.Error()}, fmt.Errorf("failed to save %s record: %w", pending.Stage, err)
		}
		log.Info("Stage succeeded", "duration", duration.Round(time.Millisecond))
		return stageResult{outcome: outcomeSuccess, duration: duration}, nil
	}

	if isInterrupt(ctx, stageErr) {
		cancelled, err := pending.Transition(models.StatusCancelled, stageErr.Error(), "", p.now())
		if err == nil {
			err = p.store.SaveRecord(cancelled)
		}
		if err != nil {
			log.Error("Failed to save cancelled record", "error", err)
		}
		log.Warn("Stage interrupted")
		return stageResult{outcome: outcomeCancelled, message: stageErr.Error(), duration: duration},
			fmt.Errorf("%w: %s %s: %w", models.ErrInterrupted, pending.Stage, pending.Label, stageErr)
	}

	wrapped := &models.StageError{Stage: pending.Stage, Key: pending.Key, Err: stageErr}
	failed, err := pending.Transition(models.StatusError, stageErr.Error(), "", p.now())
	if err == nil {
		err = p.store.SaveRecord(failed)
	}
	if err != nil {
		return stageResult{outcome: outcomeFailed, message: stageErr.Error()}, fmt.Errorf("failed to save %s record: %w", pending.Stage, err)
	}
	log.Error("Stage failed", "error", wrapped)

	res := stageResult{outcome: outcomeFailed, message: stageErr.Error(), duration: duration}
	if errors.Is(stageErr, models.ErrCacheConflict) {
		return res, wrapped
	}
	return res, nil
}

func isInterrupt(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, models.ErrInterrupted)
}

func (p *Pipeline) generateOne(ctx context.Context, it workItem) (stageResult, error) {
	key := it.id.Key()
	cachedAt := func() (string, bool) { return p.store.GenerationLocation(it.id) }
	rec, cached, err := p.checkCache(models.StageGenerate, key, it.id.String(), cachedAt, func(string) bool {
		_, ok := cachedAt()
		return ok
	})
	if err != nil || cached != nil {
		if cached == nil {
			return stageResult{outcome: outcomeFailed, message: err.Error()}, err
		}
		return *cached, err
	}
	overwrite := p.opts.ForceRerun || rec.Status != ""

	pending, err := p.begin(rec)
	if err != nil {
		return stageResult{outcome: outcomeFailed, message: err.Error()}, err
	}

	location, stageErr := p.generate(ctx, it, overwrite)
	return p.finish(ctx, pending, location, stageErr)
}

// generate loads the split, runs the model and stores the artifact
func (p *Pipeline) generate(ctx context.Context, it workItem, overwrite bool) (string, error) {
	ds := it.spec.Dataset
	cols := it.spec.Columns

	var splits []string
	if it.split != "" {
		splits = []string{it.split}
	}
	loaded, err := p.datasets.Load(ctx, ds.Name, ds.Version, splits)
	if err != nil {
		return "", fmt.Errorf("failed to load dataset %s: %w", ds.Name, err)
	}
	rows, ok := loaded[it.split]
	if !ok {
		return "", fmt.Errorf("dataset %s has no split %q", ds.Name, it.split)
	}

	if pre := it.spec.Task.Preprocessor; pre != nil {
		rows, err = pre.Transform(rows, cols)
		if err != nil {
			return "", fmt.Errorf("failed to preprocess dataset %s: %w", ds.Name, err)
		}
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("dataset %s split %q has no rows", ds.Name, it.split)
	}

	model, err := p.acquire(ctx, it.spec.Model)
	if err != nil {
		return "", err
	}

	prompts := make([]models.Prompt, len(rows))
	for i, row := range rows {
		prompts[i] = models.Prompt{User: row.String(cols.Input)}
		if cols.System != "" {
			prompts[i].System = row.String(cols.System)
		}
	}

	outputs, err := model.Generate(ctx, prompts)
	if err != nil {
		return "", err
	}
	if len(outputs) != len(rows) {
		return "", fmt.Errorf("model %s returned %d outputs for %d rows", it.spec.Model.Name, len(outputs), len(rows))
	}

	generated := make([]models.Row, len(rows))
	for i, row := range rows {
		out := row.Clone()
		out[cols.Output] = outputs[i]
		generated[i] = out
	}

	return p.store.AddGeneration(models.GenerationArtifact{ID: it.id, Rows: generated}, overwrite)
}

func (p *Pipeline) evaluateOne(ctx context.Context, it workItem) (stageResult, error) {
	ev := it.spec.Evaluator
	rid := it.id.WithMetric(ev.Name())
	rec, cached, err := p.checkCache(models.StageEvaluate, rid.Key(), rid.String(), func() (string, bool) {
		return p.store.ResultLocation(rid)
	}, p.store.HasResultAt)
	if err != nil || cached != nil {
		if cached == nil {
			return stageResult{outcome: outcomeFailed, message: err.Error()}, err
		}
		return *cached, err
	}
	overwrite := p.opts.ForceRerun || rec.Status != ""

	pending, err := p.begin(rec)
	if err != nil {
		return stageResult{outcome: outcomeFailed, message: err.Error()}, err
	}

	if !p.store.HasGeneration(it.id) {
		return p.finish(ctx, pending, "", fmt.Errorf("%w: no generation for %s", models.ErrNotFound, it.id))
	}

	location, stageErr := p.evaluate(ctx, it, overwrite)
	return p.finish(ctx, pending, location, stageErr)
}

// evaluate resolves the scorer, scores the generation and stores every
// returned result. It returns the location of the first result.
func (p *Pipeline) evaluate(ctx context.Context, it workItem, overwrite bool) (string, error) {
	ev := it.spec.Evaluator

	gen, err := p.store.Generation(it.id)
	if err != nil {
		return "", err
	}

	scorer, err := p.resolveScorer(ctx, ev)
	if err != nil {
		return "", err
	}

	results, err := scorer.Score(ctx, gen, it.spec.Columns)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("evaluator %s returned no results", ev.Name())
	}

	var first string
	for _, result := range results {
		if result.Name == "" {
			result.Name = ev.Name()
		}
		loc, err := p.store.AddResult(models.EvaluationArtifact{
			ID:     it.id.WithMetric(result.Name),
			Result: result,
		}, overwrite)
		if err != nil {
			return "", err
		}
		if first == "" {
			first = loc
		}
	}
	return first, nil
}

// resolveScorer dispatches on the evaluator kind
func (p *Pipeline) resolveScorer(ctx context.Context, ev *Evaluator) (Scorer, error) {
	switch ev.Kind() {
	case EvaluatorScorer:
		return ev.scorer, nil
	case EvaluatorModel:
		model, err := p.acquire(ctx, ev.model)
		if err != nil {
			return nil, err
		}
		scorer, err := ev.factory.CreateScorer(model)
		if err != nil {
			return nil, fmt.Errorf("failed to create scorer for %s: %w", ev.Name(), err)
		}
		return scorer, nil
	default:
		return nil, fmt.Errorf("%w: evaluator %s has unknown kind", models.ErrConfiguration, ev.Name())
	}
}
