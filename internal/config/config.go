package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/lamim/evalforge/internal/api"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config represents the complete experiment configuration
type Config struct {
	Project            ProjectConfig              `toml:"project" yaml:"project"`
	Pipeline           PipelineConfig             `toml:"pipeline" yaml:"pipeline"`
	HuggingFace        HuggingFaceConfig          `toml:"huggingface" yaml:"huggingface"`
	ProviderRateLimits map[string]int             `toml:"provider_rate_limits" yaml:"provider_rate_limits" validate:"dive,gte=0"` // Requests per minute shared by all models of a provider
	Datasets           map[string]DatasetConfig   `toml:"datasets" yaml:"datasets" validate:"required,dive"`
	Tasks              map[string]TaskConfig      `toml:"tasks" yaml:"tasks" validate:"required,dive"`
	Models             map[string]ModelConfig     `toml:"models" yaml:"models" validate:"required,dive"`
	Evaluators         map[string]EvaluatorConfig `toml:"evaluators" yaml:"evaluators" validate:"dive"`
	Experiments        []ExperimentConfig         `toml:"experiments" yaml:"experiments" validate:"required,min=1,dive"`
}

// ProjectConfig names the result store
type ProjectConfig struct {
	Name         string `toml:"name" yaml:"name" validate:"required"`
	ProjectsDir  string `toml:"projects_dir" yaml:"projects_dir"`   // Default: ./projects, overridden by EVALFORGE_PROJECTS_DIR
	DatasetsDir  string `toml:"datasets_dir" yaml:"datasets_dir"`   // Root of local datasets (default: ./datasets)
	LoadExisting *bool  `toml:"load_existing" yaml:"load_existing"` // Default: true
	Reset        bool   `toml:"reset" yaml:"reset"`                 // Wipe the project before running
}

// PipelineConfig controls scheduling and reruns
type PipelineConfig struct {
	GroupByModel        *bool `toml:"group_by_model" yaml:"group_by_model"` // Default: true
	ForceRerun          bool  `toml:"force_rerun" yaml:"force_rerun"`
	RetryFailed         bool  `toml:"retry_failed" yaml:"retry_failed"`
	ReleaseGraceSeconds int   `toml:"release_grace_seconds" yaml:"release_grace_seconds" validate:"gte=0"`
	ShowProgress        bool  `toml:"show_progress" yaml:"show_progress"`
}

// HuggingFaceConfig holds Hugging Face Hub settings
type HuggingFaceConfig struct {
	Endpoint      string `toml:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	CacheDir      string `toml:"cache_dir" yaml:"cache_dir"`
	PublishRepoID string `toml:"publish_repo_id" yaml:"publish_repo_id"` // Dataset repo the summary is published to
}

// Dataset sources
const (
	SourceFile = "file"
	SourceHub  = "hub"
)

// DatasetConfig locates a dataset
type DatasetConfig struct {
	Source  string   `toml:"source" yaml:"source" validate:"omitempty,oneof=file hub"` // Default: file
	Path    string   `toml:"path" yaml:"path"`                                         // file: dataset directory (default: <datasets_dir>/<name>)
	RepoID  string   `toml:"repo_id" yaml:"repo_id"`                                   // hub: dataset repository
	Prefix  string   `toml:"prefix" yaml:"prefix"`                                     // hub: directory of the split files
	Version string   `toml:"version" yaml:"version"`                                   // file: version directory, hub: revision
	Splits  []string `toml:"splits" yaml:"splits" validate:"unique,dive,required"`
}

// ColumnsConfig names the columns the pipeline reads and writes
type ColumnsConfig struct {
	Input  string `toml:"input" yaml:"input"`
	Output string `toml:"output" yaml:"output"`
	Target string `toml:"target" yaml:"target"`
	System string `toml:"system" yaml:"system"`
	ID     string `toml:"id" yaml:"id"`
}

// TaskConfig describes how dataset rows become prompts
type TaskConfig struct {
	Dataset        string            `toml:"dataset" yaml:"dataset" validate:"required"`
	Name           string            `toml:"name" yaml:"name"`     // Task name in experiment ids (optional)
	Prompt         string            `toml:"prompt" yaml:"prompt"` // Prompt name in experiment ids (default: the task key)
	PromptTemplate string            `toml:"prompt_template" yaml:"prompt_template"`
	SystemPrompt   string            `toml:"system_prompt" yaml:"system_prompt"`
	FieldMap       map[string]string `toml:"field_map" yaml:"field_map"` // column -> source field
	Columns        ColumnsConfig     `toml:"columns" yaml:"columns"`
}

// LaunchConfig starts a local inference server for a model
type LaunchConfig struct {
	Command             []string `toml:"command" yaml:"command" validate:"required,min=1"`
	Env                 []string `toml:"env" yaml:"env"`
	ReadyTimeoutSeconds int      `toml:"ready_timeout_seconds" yaml:"ready_timeout_seconds" validate:"gte=0"`
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string         `toml:"base_url" yaml:"base_url" validate:"required"`
	ModelName          string         `toml:"model_name" yaml:"model_name" validate:"required"`
	Temperature        float64        `toml:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopP               float64        `toml:"top_p" yaml:"top_p" validate:"gte=0,lte=1"`
	MaxOutputTokens    int            `toml:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=0"`
	RateLimitPerMinute int            `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gte=0"`
	Concurrency        int            `toml:"concurrency" yaml:"concurrency" validate:"gte=0,lte=1024"`
	MaxRetries         int            `toml:"max_retries" yaml:"max_retries" validate:"gte=-1"` // 0 = default (3), -1 = unlimited
	HTTPTimeoutSeconds int            `toml:"http_timeout_seconds" yaml:"http_timeout_seconds" validate:"gte=0"`
	UseJSONMode        bool           `toml:"use_json_mode" yaml:"use_json_mode"`
	UseStreaming       bool           `toml:"use_streaming" yaml:"use_streaming"`
	StripThinking      bool           `toml:"strip_thinking" yaml:"strip_thinking"`
	ModelArgs          map[string]any `toml:"model_args" yaml:"model_args"`
	GenerationArgs     map[string]any `toml:"generation_args" yaml:"generation_args"`
	Launch             *LaunchConfig  `toml:"launch" yaml:"launch"`
}

// Evaluator kinds
const (
	EvaluatorJudge      = "judge"
	EvaluatorExactMatch = "exact_match"
	EvaluatorRougeL     = "rouge_l"
)

// EvaluatorConfig configures a scorer
type EvaluatorConfig struct {
	Kind          string `toml:"kind" yaml:"kind" validate:"required,oneof=judge exact_match rouge_l"`
	Model         string `toml:"model" yaml:"model"`   // judge: key into models
	Rubric        string `toml:"rubric" yaml:"rubric"` // judge: default rubric when empty
	SystemPrompt  string `toml:"system_prompt" yaml:"system_prompt"`
	CaseSensitive bool   `toml:"case_sensitive" yaml:"case_sensitive"` // exact_match
}

// ExperimentConfig expands into every combination of its tasks, models and
// evaluators
type ExperimentConfig struct {
	Tasks      []string `toml:"tasks" yaml:"tasks" validate:"required,min=1,unique"`
	Models     []string `toml:"models" yaml:"models" validate:"required,min=1,unique"`
	Evaluators []string `toml:"evaluators" yaml:"evaluators" validate:"unique"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys          map[string]string
	HuggingFaceToken string
}

// Validate checks field rules, then the references between sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	for _, name := range sortedKeys(c.Datasets) {
		ds := c.Datasets[name]
		if ds.Source == SourceHub && ds.RepoID == "" {
			return fmt.Errorf("datasets.%s.repo_id is required for source=hub", name)
		}
	}

	for _, name := range sortedKeys(c.Tasks) {
		task := c.Tasks[name]
		if _, ok := c.Datasets[task.Dataset]; !ok {
			return fmt.Errorf("tasks.%s.dataset references unknown dataset %q", name, task.Dataset)
		}
		if task.SystemPrompt != "" && task.Columns.System == "" {
			return fmt.Errorf("tasks.%s.system_prompt needs columns.system", name)
		}
	}

	for _, name := range sortedKeys(c.Evaluators) {
		ev := c.Evaluators[name]
		if ev.Kind != EvaluatorJudge {
			continue
		}
		if ev.Model == "" {
			return fmt.Errorf("evaluators.%s.model is required for kind=judge", name)
		}
		if _, ok := c.Models[ev.Model]; !ok {
			return fmt.Errorf("evaluators.%s.model references unknown model %q", name, ev.Model)
		}
	}

	for i, exp := range c.Experiments {
		for _, t := range exp.Tasks {
			if _, ok := c.Tasks[t]; !ok {
				return fmt.Errorf("experiments[%d] references unknown task %q", i, t)
			}
		}
		for _, m := range exp.Models {
			if _, ok := c.Models[m]; !ok {
				return fmt.Errorf("experiments[%d] references unknown model %q", i, m)
			}
		}
		for _, e := range exp.Evaluators {
			if _, ok := c.Evaluators[e]; !ok {
				return fmt.Errorf("experiments[%d] references unknown evaluator %q", i, e)
			}
		}
	}

	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() *Secrets {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Provider-agnostic key, used when no provider key matches
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	for provider, env := range map[string]string{
		"openai":     "OPENAI_API_KEY",
		"nvidia":     "NVIDIA_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"together":   "TOGETHER_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	} {
		if key := os.Getenv(env); key != "" {
			secrets.APIKeys[provider] = key
		}
	}

	secrets.HuggingFaceToken = os.Getenv("HUGGING_FACE_TOKEN")
	if secrets.HuggingFaceToken == "" {
		secrets.HuggingFaceToken = os.Getenv("HF_TOKEN")
	}

	return secrets
}

// GetAPIKey returns the API key for a given base URL. Local servers without
// auth get an empty key.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if key := s.APIKeys[api.ProviderName(baseURL)]; key != "" {
		return key
	}
	return s.APIKeys["generic"]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
