package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/evalforge/internal/project"
	"github.com/lamim/evalforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memDatasets serves fixed rows and counts loads
type memDatasets struct {
	mu     sync.Mutex
	splits map[string][]models.Row
	loads  int
}

func newMemDatasets() *memDatasets {
	return &memDatasets{splits: map[string][]models.Row{
		"test": {
			{"id": "1", "input": "2+2?", "target": "4"},
			{"id": "2", "input": "3+3?", "target": "6"},
		},
		"train": {
			{"id": "3", "input": "1+1?", "target": "2"},
		},
	}}
}

func (d *memDatasets) Load(_ context.Context, _ string, _ string, splits []string) (map[string][]models.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++

	out := make(map[string][]models.Row)
	for _, s := range splits {
		if rows, ok := d.splits[s]; ok {
			cp := make([]models.Row, len(rows))
			for i, r := range rows {
				cp[i] = r.Clone()
			}
			out[s] = cp
		}
	}
	return out, nil
}

// countingRunner records loads, generate calls and how many models are
// alive at once
type countingRunner struct {
	mu         sync.Mutex
	loads      int
	loadOrder  []string
	generates  int
	closes     int
	live       int
	maxLive    int
	failModels map[string]error
	failLoads  map[string]error
	generateFn func(ctx context.Context, cfg models.ModelConfig, prompts []models.Prompt) ([]string, error)
}

func (r *countingRunner) Load(_ context.Context, cfg models.ModelConfig) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if err := r.failLoads[cfg.Name]; err != nil {
		return nil, err
	}
	r.loadOrder = append(r.loadOrder, cfg.Name)
	r.live++
	if r.live > r.maxLive {
		r.maxLive = r.live
	}
	return &countingModel{runner: r, cfg: cfg}, nil
}

func (r *countingRunner) counts() (loads, generates, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.generates, r.closes
}

type countingModel struct {
	runner *countingRunner
	cfg    models.ModelConfig
}

func (m *countingModel) Generate(ctx context.Context, prompts []models.Prompt) ([]string, error) {
	r := m.runner
	r.mu.Lock()
	r.generates++
	fail := r.failModels[m.cfg.Name]
	fn := r.generateFn
	r.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	if fn != nil {
		return fn(ctx, m.cfg, prompts)
	}
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = m.cfg.Name + ":" + p.User
	}
	return out, nil
}

func (m *countingModel) Close(context.Context) error {
	m.runner.mu.Lock()
	defer m.runner.mu.Unlock()
	m.runner.closes++
	m.runner.live--
	return nil
}

// countingScorer returns one result named after the metric
type countingScorer struct {
	mu     sync.Mutex
	metric string
	calls  int
	value  float64
	err    error
}

func (s *countingScorer) Score(_ context.Context, gen models.GenerationArtifact, cols models.ColumnMapping) ([]models.EvaluationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	instances := make([]any, len(gen.Rows))
	for i, row := range gen.Rows {
		instances[i] = row.String(cols.Output) != ""
	}
	return []models.EvaluationResult{{
		Name:            s.metric,
		Category:        models.CategoryStatistical,
		Overall:         s.value,
		InstanceResults: instances,
	}}, nil
}

func (s *countingScorer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingFactory builds scorers around a loaded model
type countingFactory struct {
	mu      sync.Mutex
	created int
	scorer  *countingScorer
}

func (f *countingFactory) CreateScorer(model Model) (Scorer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if model == nil {
		return nil, errors.New("no model")
	}
	f.created++
	return f.scorer, nil
}

type fixture struct {
	root     string
	project  *project.Project
	datasets *memDatasets
	runner   *countingRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	p, err := project.Open(root, "test", project.DefaultOptions(), testLogger())
	require.NoError(t, err)
	return &fixture{
		root:     root,
		project:  p,
		datasets: newMemDatasets(),
		runner:   &countingRunner{},
	}
}

// reopen reloads the project from disk and resets the collaborators' counters
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	p, err := project.Open(f.root, "test", project.DefaultOptions(), testLogger())
	require.NoError(t, err)
	f.project = p
	f.runner = &countingRunner{failModels: f.runner.failModels}
}

func (f *fixture) pipeline(t *testing.T, opts Options, defs ...Definition) *Pipeline {
	t.Helper()
	p, err := New(defs, Dependencies{
		Store:    f.project,
		Datasets: f.datasets,
		Runner:   f.runner,
		Logger:   testLogger(),
	}, opts)
	require.NoError(t, err)
	return p
}

func model(name string) models.ModelConfig {
	return models.ModelConfig{Name: name, ModelName: name + "-hf"}
}

func spec(modelName string, ev *Evaluator) ExperimentSpec {
	return ExperimentSpec{
		Dataset:   DatasetRef{Name: "arith", Version: "v1", Splits: []string{"test"}},
		Task:      TaskSpec{Name: "qa", Prompt: "plain"},
		Model:     model(modelName),
		Evaluator: ev,
	}
}

func idFor(modelName string) models.ExperimentID {
	return models.ExperimentID{Dataset: "arith", Split: "test", Task: "qa", Prompt: "plain", Model: modelName}
}

func TestScenarioFreshRun(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", value: 0.75}
	p := f.pipeline(t, DefaultOptions(), spec("m1", NewScorerEvaluator("E", scorer)))

	summary, report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, f.project.HasGeneration(idFor("m1")))
	assert.True(t, f.project.HasResult(idFor("m1").WithMetric("E")))
	require.Equal(t, 1, summary.Len())
	assert.Equal(t, []string{"E"}, summary.Metrics)
	v, ok := summary.Value(idFor("m1"), "E")
	require.True(t, ok)
	assert.Equal(t, 0.75, v)

	assert.Equal(t, 1, report.Generate.Succeeded)
	assert.Equal(t, 1, report.Evaluate.Succeeded)
	assert.Equal(t, p.RunID(), report.RunID)

	gen, err := f.project.Generation(idFor("m1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1:2+2?", "m1:3+3?"}, gen.Outputs("output"))

	rec, ok := f.project.Record(models.StageGenerate, idFor("m1").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.NotEmpty(t, rec.Location)
	assert.Equal(t, p.RunID(), rec.RunID)
}

func TestScenarioSecondRunIsCached(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", value: 1}
	s := spec("m1", NewScorerEvaluator("E", scorer))

	_, _, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, scorer.count())

	f.reopen(t)
	summary, report, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	loads, generates, _ := f.runner.counts()
	assert.Equal(t, 0, loads)
	assert.Equal(t, 0, generates)
	assert.Equal(t, 1, scorer.count(), "scorer must not run again")
	assert.Equal(t, 1, report.Generate.Cached)
	assert.Equal(t, 1, report.Evaluate.Cached)
	assert.Equal(t, 1, summary.Len())
}

func TestScenarioNoEvaluator(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, DefaultOptions(), spec("m1", nil))

	_, err := p.Generate(context.Background())
	require.NoError(t, err)

	report, err := p.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)

	summary, _, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Len())
	assert.Empty(t, summary.Metrics)
	assert.Empty(t, summary.Rows[0].Values)
}

func TestScenarioCachedGenerationOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.project.AddGeneration(models.GenerationArtifact{
		ID:   idFor("m1"),
		Rows: []models.Row{{"input": "q", "output": "a"}},
	}, false)
	require.NoError(t, err)

	scorer := &countingScorer{metric: "E", value: 1}
	_, report, err := f.pipeline(t, DefaultOptions(), spec("m1", NewScorerEvaluator("E", scorer))).Run(context.Background())
	require.NoError(t, err)

	loads, generates, _ := f.runner.counts()
	assert.Equal(t, 0, loads)
	assert.Equal(t, 0, generates)
	assert.Equal(t, 1, scorer.count())
	assert.Equal(t, 1, report.Generate.Cached)

	rec, ok := f.project.Record(models.StageGenerate, idFor("m1").Key())
	require.True(t, ok, "success record is synthesized for the cached generation")
	assert.Equal(t, models.StatusSuccess, rec.Status)
}

func TestScenarioFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.runner.failModels = map[string]error{"m2": errors.New("CUDA out of memory")}
	scorer := &countingScorer{metric: "E", value: 1}
	ev := NewScorerEvaluator("E", scorer)

	opts := DefaultOptions()
	opts.GroupByModel = false
	summary, report, err := f.pipeline(t, opts, spec("m1", ev), spec("m2", ev), spec("m3", ev)).Run(context.Background())
	require.NoError(t, err)

	for _, m := range []string{"m1", "m3"} {
		rec, ok := f.project.Record(models.StageGenerate, idFor(m).Key())
		require.True(t, ok)
		assert.Equal(t, models.StatusSuccess, rec.Status, m)
	}
	rec, ok := f.project.Record(models.StageGenerate, idFor("m2").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "CUDA out of memory")

	evalRec, ok := f.project.Record(models.StageEvaluate, idFor("m2").WithMetric("E").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusError, evalRec.Status)
	assert.Contains(t, evalRec.Error, "no generation")

	assert.Equal(t, 1, report.Generate.Failed)
	require.Len(t, report.Generate.Failures, 1)
	assert.Equal(t, idFor("m2").Key(), report.Generate.Failures[0].Key)
	assert.Equal(t, 2, summary.Len(), "only evaluated experiments appear")
	assert.Equal(t, 2, scorer.count())
}

func TestFailedStagesNotRetriedByDefault(t *testing.T) {
	f := newFixture(t)
	f.runner.failModels = map[string]error{"m2": errors.New("boom")}
	s := spec("m2", nil)

	_, _, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	f.runner.failModels = nil
	f.reopen(t)
	_, report, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)
	_, generates, _ := f.runner.counts()
	assert.Equal(t, 0, generates)
	assert.Equal(t, 1, report.Generate.Skipped)

	opts := DefaultOptions()
	opts.RetryFailed = true
	_, report, err = f.pipeline(t, opts, s).Run(context.Background())
	require.NoError(t, err)
	_, generates, _ = f.runner.counts()
	assert.Equal(t, 1, generates)
	assert.Equal(t, 1, report.Generate.Succeeded)

	rec, _ := f.project.Record(models.StageGenerate, idFor("m2").Key())
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestPendingRecordIsRetried(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.project.SaveRecord(models.StageRecord{
		Stage:     models.StageGenerate,
		Key:       idFor("m1").Key(),
		Status:    models.StatusPending,
		StartedAt: time.Now(),
	}))

	_, report, err := f.pipeline(t, DefaultOptions(), spec("m1", nil)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generate.Succeeded)
}

func TestForceRerunOverwrites(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", value: 0.1}
	s := spec("m1", NewScorerEvaluator("E", scorer))

	_, _, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	scorer.value = 0.9
	opts := DefaultOptions()
	opts.ForceRerun = true
	summary, report, err := f.pipeline(t, opts, s).Run(context.Background())
	require.NoError(t, err)

	_, generates, _ := f.runner.counts()
	assert.Equal(t, 2, generates)
	assert.Equal(t, 2, scorer.count())
	assert.Equal(t, 1, report.Evaluate.Succeeded)

	v, _ := summary.Value(idFor("m1"), "E")
	assert.Equal(t, 0.9, v)
	assert.Equal(t, 1, summary.Len())
}

func TestModelLoadsBoundedByDistinctModels(t *testing.T) {
	var defs []Definition
	for _, m := range []string{"m1", "m2", "m1", "m2", "m1", "m2"} {
		s := spec(m, nil)
		s.Task.Prompt = fmt.Sprintf("prompt-%d", len(defs))
		defs = append(defs, s)
	}

	f := newFixture(t)
	_, err := f.pipeline(t, DefaultOptions(), defs...).Generate(context.Background())
	require.NoError(t, err)
	loads, generates, closes := f.runner.counts()
	assert.Equal(t, 2, loads)
	assert.Equal(t, 6, generates)
	assert.Equal(t, loads, closes, "every loaded model is released")
	assert.Equal(t, 1, f.runner.maxLive, "never more than one model loaded")
	assert.Equal(t, []string{"m1", "m2"}, f.runner.loadOrder)

	g := newFixture(t)
	opts := DefaultOptions()
	opts.GroupByModel = false
	_, err = g.pipeline(t, opts, defs...).Generate(context.Background())
	require.NoError(t, err)
	loads, _, _ = g.runner.counts()
	assert.Equal(t, 6, loads)
	assert.Equal(t, 1, g.runner.maxLive)
}

func TestModelIdentityUsesWholeConfig(t *testing.T) {
	f := newFixture(t)
	a := spec("m1", nil)
	b := spec("m1", nil)
	b.Task.Prompt = "other"
	b.Model.Temperature = 0.7

	opts := DefaultOptions()
	opts.GroupByModel = false
	_, err := f.pipeline(t, opts, a, b).Generate(context.Background())
	require.NoError(t, err)
	loads, _, _ := f.runner.counts()
	assert.Equal(t, 2, loads)
}

func TestInterruptCancelsCurrentExperiment(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.runner.generateFn = func(ctx context.Context, cfg models.ModelConfig, prompts []models.Prompt) ([]string, error) {
		if cfg.Name == "m2" {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		out := make([]string, len(prompts))
		for i := range prompts {
			out[i] = "ok"
		}
		return out, nil
	}

	opts := DefaultOptions()
	opts.GroupByModel = false
	_, report, err := f.pipeline(t, opts, spec("m1", nil), spec("m2", nil), spec("m3", nil)).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	rec, ok := f.project.Record(models.StageGenerate, idFor("m2").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, rec.Status)

	_, ok = f.project.Record(models.StageGenerate, idFor("m3").Key())
	assert.False(t, ok, "no experiment runs after an interrupt")

	gen, err := f.project.Generation(idFor("m1"))
	require.NoError(t, err)
	assert.Len(t, gen.Rows, 2)

	loads, _, closes := f.runner.counts()
	assert.Equal(t, loads, closes, "active model released on interrupt")
	assert.Equal(t, 1, report.Generate.Cancelled)
}

func TestModelEvaluatorAcquiresJudgeModel(t *testing.T) {
	f := newFixture(t)
	factory := &countingFactory{scorer: &countingScorer{metric: "judge", value: 4}}
	ev := NewModelEvaluator("judge", factory, model("judge-model"))

	summary, _, err := f.pipeline(t, DefaultOptions(), spec("m1", ev), spec("m2", ev)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "judge-model"}, f.runner.loadOrder)
	assert.Equal(t, 2, factory.created)
	assert.Equal(t, 2, summary.Len())
	assert.Equal(t, 1, f.runner.maxLive)
}

func TestOutputCountMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.runner.generateFn = func(context.Context, models.ModelConfig, []models.Prompt) ([]string, error) {
		return []string{"only one"}, nil
	}

	_, report, err := f.pipeline(t, DefaultOptions(), spec("m1", nil)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generate.Failed)
	assert.False(t, f.project.HasGeneration(idFor("m1")))

	rec, _ := f.project.Record(models.StageGenerate, idFor("m1").Key())
	assert.Contains(t, rec.Error, "1 outputs for 2 rows")
}

func TestScorerFailureRecorded(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", err: errors.New("bad reference column")}

	summary, report, err := f.pipeline(t, DefaultOptions(), spec("m1", NewScorerEvaluator("E", scorer))).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluate.Failed)
	assert.Equal(t, 0, summary.Len())

	rec, ok := f.project.Record(models.StageEvaluate, idFor("m1").WithMetric("E").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "bad reference column")
}

func TestSplitsExpandToWorkItems(t *testing.T) {
	f := newFixture(t)
	s := spec("m1", nil)
	s.Dataset.Splits = []string{"test", "train"}

	p := f.pipeline(t, DefaultOptions(), s)
	require.Len(t, p.Experiments(), 2)

	_, err := p.Generate(context.Background())
	require.NoError(t, err)

	train := idFor("m1")
	train.Split = "train"
	gen, err := f.project.Generation(train)
	require.NoError(t, err)
	assert.Len(t, gen.Rows, 1)

	loads, _, _ := f.runner.counts()
	assert.Equal(t, 1, loads)
}

func TestMissingSplitFails(t *testing.T) {
	f := newFixture(t)
	s := spec("m1", nil)
	s.Dataset.Splits = []string{"validation"}

	_, report, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generate.Failed)
	assert.Contains(t, report.Generate.Failures[0].Error, "no split")
}

func TestPreprocessorApplied(t *testing.T) {
	f := newFixture(t)
	s := spec("m1", nil)
	s.Task.Preprocessor = PreprocessorFunc(func(rows []models.Row, cols models.ColumnMapping) ([]models.Row, error) {
		for _, r := range rows {
			r[cols.Input] = "Q: " + r.String(cols.Input)
		}
		return rows, nil
	})

	_, err := f.pipeline(t, DefaultOptions(), s).Generate(context.Background())
	require.NoError(t, err)

	gen, err := f.project.Generation(idFor("m1"))
	require.NoError(t, err)
	assert.Equal(t, "m1:Q: 2+2?", gen.Rows[0].String("output"))
}

func TestNewRejectsInvalidSpecs(t *testing.T) {
	f := newFixture(t)
	deps := Dependencies{Store: f.project, Datasets: f.datasets, Runner: f.runner, Logger: testLogger()}

	tests := []struct {
		name string
		def  Definition
	}{
		{"missing prompt", ExperimentSpec{Dataset: DatasetRef{Name: "d"}, Model: model("m")}},
		{"missing model", ExperimentSpec{Dataset: DatasetRef{Name: "d"}, Task: TaskSpec{Prompt: "p"}}},
		{"duplicate split", ExperimentSpec{Dataset: DatasetRef{Name: "d", Splits: []string{"a", "a"}}, Task: TaskSpec{Prompt: "p"}, Model: model("m")}},
		{"evaluator without scorer", spec("m", NewScorerEvaluator("E", nil))},
		{"model evaluator without model", spec("m", NewModelEvaluator("E", &countingFactory{}, models.ModelConfig{}))},
		{"batch without tasks", BatchSpec{Models: []models.ModelConfig{model("m")}}},
		{"batch without models", BatchSpec{Tasks: []BatchTask{{Dataset: DatasetRef{Name: "d"}, Task: TaskSpec{Prompt: "p"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Definition{tt.def}, deps, DefaultOptions())
			require.ErrorIs(t, err, models.ErrConfiguration)
		})
	}

	_, err := New(nil, deps, DefaultOptions())
	require.ErrorIs(t, err, models.ErrConfiguration)
}

func TestBatchExpansion(t *testing.T) {
	e1 := NewScorerEvaluator("E1", &countingScorer{metric: "E1"})
	e2 := NewScorerEvaluator("E2", &countingScorer{metric: "E2"})
	batch := BatchSpec{
		Tasks: []BatchTask{
			{Dataset: DatasetRef{Name: "d1"}, Task: TaskSpec{Prompt: "p"}},
			{Dataset: DatasetRef{Name: "d2"}, Task: TaskSpec{Prompt: "p"}},
		},
		Models:     []models.ModelConfig{model("m1"), model("m2")},
		Evaluators: []*Evaluator{e1, e2},
	}

	specs, err := batch.Experiments()
	require.NoError(t, err)
	require.Len(t, specs, 8)
	assert.Equal(t, "d1", specs[0].Dataset.Name)
	assert.Equal(t, "m1", specs[0].Model.Name)
	assert.Equal(t, "E1", specs[0].Evaluator.Name())
	assert.Equal(t, "E2", specs[1].Evaluator.Name())
	assert.Equal(t, "m2", specs[2].Model.Name)

	batch.Evaluators = nil
	specs, err = batch.Experiments()
	require.NoError(t, err)
	require.Len(t, specs, 4)
	assert.Nil(t, specs[0].Evaluator)
}

func TestBatchSharesGeneration(t *testing.T) {
	f := newFixture(t)
	s1 := &countingScorer{metric: "E1", value: 1}
	s2 := &countingScorer{metric: "E2", value: 2}
	batch := BatchSpec{
		Tasks: []BatchTask{{
			Dataset: DatasetRef{Name: "arith", Splits: []string{"test"}},
			Task:    TaskSpec{Name: "qa", Prompt: "plain"},
		}},
		Models:     []models.ModelConfig{model("m1")},
		Evaluators: []*Evaluator{NewScorerEvaluator("E1", s1), NewScorerEvaluator("E2", s2)},
	}

	summary, report, err := f.pipeline(t, DefaultOptions(), batch).Run(context.Background())
	require.NoError(t, err)

	_, generates, _ := f.runner.counts()
	assert.Equal(t, 1, generates)
	assert.Equal(t, 1, report.Generate.Cached)
	assert.Equal(t, []string{"E1", "E2"}, summary.Metrics)
	require.Equal(t, 1, summary.Len())
}

func TestRemovedArtifactsAreRegenerated(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", value: 0.5}
	s := spec("m1", NewScorerEvaluator("E", scorer))

	_, _, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.project.RemoveResult(idFor("m1").WithMetric("E")))
	require.NoError(t, f.project.RemoveGeneration(idFor("m1")))

	f.reopen(t)
	summary, report, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	_, generates, _ := f.runner.counts()
	assert.Equal(t, 1, generates)
	assert.Equal(t, 2, scorer.count())
	assert.Equal(t, 1, report.Generate.Succeeded)
	assert.Equal(t, 1, report.Evaluate.Succeeded)
	assert.True(t, f.project.HasGeneration(idFor("m1")))
	assert.True(t, f.project.HasResult(idFor("m1").WithMetric("E")))
	require.Equal(t, 1, summary.Len())
}

func TestSuccessRecordWithMissingArtifactReruns(t *testing.T) {
	f := newFixture(t)
	scorer := &countingScorer{metric: "E", value: 0.5}
	s := spec("m1", NewScorerEvaluator("E", scorer))

	_, _, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	// Drop the artifacts on disk but keep the success records, as a reload
	// does when it finds partial data.
	genRec, ok := f.project.Record(models.StageGenerate, idFor("m1").Key())
	require.True(t, ok)
	evalRec, ok := f.project.Record(models.StageEvaluate, idFor("m1").WithMetric("E").Key())
	require.True(t, ok)
	require.NoError(t, os.RemoveAll(filepath.Join(filepath.Dir(genRec.Location), "data")))
	require.NoError(t, os.Remove(evalRec.Location))

	f.reopen(t)
	require.False(t, f.project.HasGeneration(idFor("m1")))
	_, ok = f.project.Record(models.StageGenerate, idFor("m1").Key())
	require.True(t, ok, "record outlives the artifact")

	_, report, err := f.pipeline(t, DefaultOptions(), s).Run(context.Background())
	require.NoError(t, err)

	_, generates, _ := f.runner.counts()
	assert.Equal(t, 1, generates)
	assert.Equal(t, 2, scorer.count())
	assert.Equal(t, 0, report.Generate.Cached)
	assert.Equal(t, 0, report.Evaluate.Cached)
	assert.True(t, f.project.HasGeneration(idFor("m1")))
	assert.True(t, f.project.HasResult(idFor("m1").WithMetric("E")))
}

func TestConfigurationErrorRecordedPerExperiment(t *testing.T) {
	f := newFixture(t)
	f.runner.failLoads = map[string]error{
		"m1": fmt.Errorf("%w: model m1 has no base_url", models.ErrConfiguration),
	}
	scorer := &countingScorer{metric: "E", value: 1}

	p := f.pipeline(t, DefaultOptions(),
		spec("m1", NewScorerEvaluator("E", scorer)),
		spec("m2", NewScorerEvaluator("E", scorer)))
	summary, report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Generate.Failed)
	assert.Equal(t, 1, report.Generate.Succeeded)
	assert.True(t, f.project.HasGeneration(idFor("m2")))
	assert.False(t, f.project.HasGeneration(idFor("m1")))

	rec, ok := f.project.Record(models.StageGenerate, idFor("m1").Key())
	require.True(t, ok)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "base_url")

	_, ok = summary.Value(idFor("m2"), "E")
	assert.True(t, ok)
}
