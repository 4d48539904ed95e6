package models

import (
	"encoding/json"
	"fmt"
)

// Row is a single dataset instance
type Row map[string]any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value of a column rendered as text
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Prompt is the model input built from one row
type Prompt struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// ColumnMapping names the dataset columns the pipeline reads and writes
type ColumnMapping struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Target string `json:"target,omitempty"`
	System string `json:"system,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Default column names
const (
	DefaultInputColumn  = "input"
	DefaultOutputColumn = "output"
	DefaultTargetColumn = "target"
	DefaultIDColumn     = "id"
)

// WithDefaults fills unset column names
func (c ColumnMapping) WithDefaults() ColumnMapping {
	if c.Input == "" {
		c.Input = DefaultInputColumn
	}
	if c.Output == "" {
		c.Output = DefaultOutputColumn
	}
	if c.Target == "" {
		c.Target = DefaultTargetColumn
	}
	if c.ID == "" {
		c.ID = DefaultIDColumn
	}
	return c
}

// LaunchConfig describes a local inference server started for a model
type LaunchConfig struct {
	Command             []string `json:"command"`
	Env                 []string `json:"env,omitempty"`
	ReadyTimeoutSeconds int      `json:"ready_timeout_seconds,omitempty"`
}

// ModelConfig configures a model used for generation or judging
type ModelConfig struct {
	Name               string         `json:"name"`       // Name used in experiment ids
	BaseURL            string         `json:"base_url"`   // OpenAI-compatible endpoint
	ModelName          string         `json:"model_name"` // Model identifier sent to the endpoint
	Temperature        float64        `json:"temperature"`
	TopP               float64        `json:"top_p"`
	MaxOutputTokens    int            `json:"max_output_tokens"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	Concurrency        int            `json:"concurrency"` // Parallel requests per generate call
	MaxRetries         int            `json:"max_retries"`
	HTTPTimeoutSeconds int            `json:"http_timeout_seconds"`
	UseJSONMode        bool           `json:"use_json_mode"`
	Streaming          bool           `json:"streaming"`      // Request SSE streams, needed for reasoning_content
	StripThinking      bool           `json:"strip_thinking"` // Drop <think> blocks from outputs
	ModelArgs          map[string]any `json:"model_args,omitempty"`
	GenerationArgs     map[string]any `json:"generation_args,omitempty"`
	Launch             *LaunchConfig  `json:"launch,omitempty"`
}

// ModelRecord is a comparable fingerprint of a ModelConfig. Two configs
// describe the same loaded model exactly when their records are equal.
type ModelRecord struct {
	Name        string
	Fingerprint string
}

// Record computes the config's fingerprint. Map keys are marshaled in
// sorted order, so the result is stable across runs.
func (m ModelConfig) Record() ModelRecord {
	data, err := json.Marshal(m)
	if err != nil {
		// Only unsupported arg values reach here; fall back to the printed form.
		data = []byte(fmt.Sprintf("%#v", m))
	}
	return ModelRecord{Name: m.Name, Fingerprint: string(data)}
}

// EvaluationResult holds the output of one metric
type EvaluationResult struct {
	Name             string           `json:"name"`
	Category         string           `json:"category,omitempty"`
	Overall          any              `json:"overall_result"`
	OverallMetadata  map[string]any   `json:"overall_metadata,omitempty"`
	InstanceResults  []any            `json:"instance_results,omitempty"`
	InstanceMetadata map[string][]any `json:"instance_metadata,omitempty"`
}

// Result categories
const (
	CategoryStatistical = "statistical"
	CategoryAlignment   = "alignment"
	CategoryFactuality  = "factuality"
	CategoryConciseness = "conciseness"
	CategoryOther       = "other"
)

// GenerationArtifact is the cached output of the generation stage
type GenerationArtifact struct {
	ID   ExperimentID
	Rows []Row
}

// Outputs returns the generated text of every row
func (a GenerationArtifact) Outputs(column string) []string {
	out := make([]string, len(a.Rows))
	for i, row := range a.Rows {
		out[i] = row.String(column)
	}
	return out
}

// EvaluationArtifact is the cached output of the evaluation stage
type EvaluationArtifact struct {
	ID     ResultID
	Result EvaluationResult
}
