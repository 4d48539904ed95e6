package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProjectsDirEnv overrides project.projects_dir
const ProjectsDirEnv = "EVALFORGE_PROJECTS_DIR"

// Load reads and parses the configuration file and environment variables.
// The format follows the extension: .toml, or .yaml/.yml.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(configPath))
	if err != nil {
		return nil, nil, err
	}

	return cfg, LoadSecrets(), nil
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if dir := os.Getenv(ProjectsDirEnv); dir != "" {
		cfg.Project.ProjectsDir = dir
	}
	if cfg.Project.ProjectsDir == "" {
		cfg.Project.ProjectsDir = "projects"
	}
	if cfg.Project.DatasetsDir == "" {
		cfg.Project.DatasetsDir = "datasets"
	}
	if cfg.Project.LoadExisting == nil {
		loadExisting := true
		cfg.Project.LoadExisting = &loadExisting
	}

	if cfg.Pipeline.GroupByModel == nil {
		group := true
		cfg.Pipeline.GroupByModel = &group
	}
	if cfg.Pipeline.ReleaseGraceSeconds == 0 {
		cfg.Pipeline.ReleaseGraceSeconds = 10
	}

	if cfg.HuggingFace.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.HuggingFace.CacheDir = filepath.Join(dir, "evalforge", "hub")
		} else {
			cfg.HuggingFace.CacheDir = filepath.Join(".cache", "hub")
		}
	}

	for name, ds := range cfg.Datasets {
		if ds.Source == "" {
			ds.Source = SourceFile
		}
		cfg.Datasets[name] = ds
	}

	for name, task := range cfg.Tasks {
		if task.Prompt == "" {
			task.Prompt = name
		}
		cfg.Tasks[name] = task
	}

	// Apply defaults for each model
	for name, model := range cfg.Models {
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 1024
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.Concurrency == 0 {
			model.Concurrency = 4
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	for name, ev := range cfg.Evaluators {
		if ev.Kind == EvaluatorJudge {
			if ev.Rubric == "" {
				ev.Rubric = GetDefaultJudgeRubric()
			}
			if ev.SystemPrompt == "" {
				ev.SystemPrompt = GetDefaultJudgeSystemPrompt()
			}
		}
		cfg.Evaluators[name] = ev
	}
}
