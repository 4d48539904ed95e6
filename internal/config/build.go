package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/evalforge/internal/dataset"
	"github.com/lamim/evalforge/internal/judge"
	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/project"
	"github.com/lamim/evalforge/pkg/models"
)

// Plan is a configuration translated into pipeline inputs
type Plan struct {
	Definitions    []pipeline.Definition
	Datasets       *dataset.Router
	Options        pipeline.Options
	ProjectOptions project.Options
}

// Build translates the configuration into pipeline definitions and a
// dataset router. hub serves datasets with source=hub and may be nil when
// there are none.
func (c *Config) Build(hub dataset.Downloader, logger *slog.Logger) (*Plan, error) {
	router, err := c.buildDatasets(hub, logger)
	if err != nil {
		return nil, err
	}

	evaluators := make(map[string]*pipeline.Evaluator, len(c.Evaluators))
	for _, name := range sortedKeys(c.Evaluators) {
		ev, err := c.buildEvaluator(name, logger)
		if err != nil {
			return nil, err
		}
		evaluators[name] = ev
	}

	tasks := make(map[string]pipeline.BatchTask, len(c.Tasks))
	for _, name := range sortedKeys(c.Tasks) {
		bt, err := c.buildTask(name)
		if err != nil {
			return nil, err
		}
		tasks[name] = bt
	}

	var defs []pipeline.Definition
	for _, exp := range c.Experiments {
		modelCfgs := make([]models.ModelConfig, len(exp.Models))
		for i, m := range exp.Models {
			modelCfgs[i] = c.ModelConfig(m)
		}
		evs := make([]*pipeline.Evaluator, len(exp.Evaluators))
		for i, e := range exp.Evaluators {
			evs[i] = evaluators[e]
		}
		// One batch per task so each keeps its own columns
		for _, t := range exp.Tasks {
			defs = append(defs, pipeline.BatchSpec{
				Tasks:      []pipeline.BatchTask{tasks[t]},
				Models:     modelCfgs,
				Evaluators: evs,
				Columns:    c.Tasks[t].Columns.mapping(),
			})
		}
	}

	return &Plan{
		Definitions: defs,
		Datasets:    router,
		Options: pipeline.Options{
			GroupByModel: *c.Pipeline.GroupByModel,
			ForceRerun:   c.Pipeline.ForceRerun,
			RetryFailed:  c.Pipeline.RetryFailed,
			ReleaseGrace: time.Duration(c.Pipeline.ReleaseGraceSeconds) * time.Second,
			ShowProgress: c.Pipeline.ShowProgress,
		},
		ProjectOptions: project.Options{
			LoadExisting: *c.Project.LoadExisting,
			Reset:        c.Project.Reset,
		},
	}, nil
}

// ModelConfig returns the runtime config of a model. The config key is the
// model name used in experiment ids.
func (c *Config) ModelConfig(name string) models.ModelConfig {
	mc := c.Models[name]
	out := models.ModelConfig{
		Name:               name,
		BaseURL:            mc.BaseURL,
		ModelName:          mc.ModelName,
		Temperature:        mc.Temperature,
		TopP:               mc.TopP,
		MaxOutputTokens:    mc.MaxOutputTokens,
		RateLimitPerMinute: mc.RateLimitPerMinute,
		Concurrency:        mc.Concurrency,
		MaxRetries:         mc.MaxRetries,
		HTTPTimeoutSeconds: mc.HTTPTimeoutSeconds,
		UseJSONMode:        mc.UseJSONMode,
		Streaming:          mc.UseStreaming,
		StripThinking:      mc.StripThinking,
		ModelArgs:          mc.ModelArgs,
		GenerationArgs:     mc.GenerationArgs,
	}
	if mc.Launch != nil {
		out.Launch = &models.LaunchConfig{
			Command:             mc.Launch.Command,
			Env:                 mc.Launch.Env,
			ReadyTimeoutSeconds: mc.Launch.ReadyTimeoutSeconds,
		}
	}
	return out
}

func (c ColumnsConfig) mapping() models.ColumnMapping {
	return models.ColumnMapping{
		Input:  c.Input,
		Output: c.Output,
		Target: c.Target,
		System: c.System,
		ID:     c.ID,
	}.WithDefaults()
}

func (c *Config) buildDatasets(hub dataset.Downloader, logger *slog.Logger) (*dataset.Router, error) {
	router := dataset.NewRouter()
	files := &dataset.FileProvider{Root: c.Project.DatasetsDir, Dirs: make(map[string]string)}

	for _, name := range sortedKeys(c.Datasets) {
		ds := c.Datasets[name]
		switch ds.Source {
		case SourceHub:
			if hub == nil {
				return nil, fmt.Errorf("%w: dataset %s needs a Hub client", models.ErrConfiguration, name)
			}
			router.Register(name, &dataset.HubProvider{
				Client:   hub,
				CacheDir: c.HuggingFace.CacheDir,
				Repos:    map[string]string{name: ds.RepoID},
				Prefix:   ds.Prefix,
				Logger:   logger,
			})
		default:
			if ds.Path != "" {
				files.Dirs[name] = ds.Path
			}
			router.Register(name, files)
		}
	}
	return router, nil
}

func (c *Config) buildTask(name string) (pipeline.BatchTask, error) {
	task := c.Tasks[name]
	ds := c.Datasets[task.Dataset]

	spec := pipeline.TaskSpec{Name: task.Name, Prompt: task.Prompt}
	if len(task.FieldMap) > 0 || task.PromptTemplate != "" || task.SystemPrompt != "" {
		mapper, err := dataset.NewFieldMapper(task.FieldMap, task.PromptTemplate, task.SystemPrompt)
		if err != nil {
			return pipeline.BatchTask{}, fmt.Errorf("tasks.%s: %w", name, err)
		}
		spec.Preprocessor = mapper
	}

	return pipeline.BatchTask{
		Dataset: pipeline.DatasetRef{Name: task.Dataset, Version: ds.Version, Splits: ds.Splits},
		Task:    spec,
	}, nil
}

func (c *Config) buildEvaluator(name string, logger *slog.Logger) (*pipeline.Evaluator, error) {
	ev := c.Evaluators[name]
	switch ev.Kind {
	case EvaluatorJudge:
		factory, err := judge.NewFactory(judge.Config{
			Name:         name,
			Rubric:       ev.Rubric,
			SystemPrompt: ev.SystemPrompt,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("evaluators.%s: %w", name, err)
		}
		return pipeline.NewModelEvaluator(name, factory, c.ModelConfig(ev.Model)), nil
	case EvaluatorExactMatch:
		return pipeline.NewScorerEvaluator(name, judge.ExactMatch(name, ev.CaseSensitive)), nil
	case EvaluatorRougeL:
		return pipeline.NewScorerEvaluator(name, judge.RougeL(name)), nil
	default:
		return nil, fmt.Errorf("%w: evaluators.%s has unknown kind %q", models.ErrConfiguration, name, ev.Kind)
	}
}
