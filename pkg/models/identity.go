package models

import (
	"fmt"
	"strings"
)

// keySeparator joins escaped identity fields; escaping guarantees it never
// appears inside a field.
const keySeparator = "-"

// ExperimentID identifies one (dataset, split, task, prompt, model) combination
type ExperimentID struct {
	Dataset string `json:"dataset_name"`
	Split   string `json:"split_name,omitempty"`
	Task    string `json:"task_name,omitempty"`
	Prompt  string `json:"prompt_name"`
	Model   string `json:"model_name"`
}

// NewExperimentID builds an ExperimentID and validates its required fields
func NewExperimentID(dataset, split, task, prompt, model string) (ExperimentID, error) {
	id := ExperimentID{
		Dataset: dataset,
		Split:   split,
		Task:    task,
		Prompt:  prompt,
		Model:   model,
	}
	if err := id.Validate(); err != nil {
		return ExperimentID{}, err
	}
	return id, nil
}

// Validate checks that the dataset, prompt and model names are present
func (id ExperimentID) Validate() error {
	var missing []string
	if id.Dataset == "" {
		missing = append(missing, "dataset")
	}
	if id.Prompt == "" {
		missing = append(missing, "prompt")
	}
	if id.Model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: experiment id missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// WithMetric derives the ResultID for a metric computed on this experiment
func (id ExperimentID) WithMetric(metric string) ResultID {
	return ResultID{ExperimentID: id, Metric: metric}
}

// Key returns the canonical cache key, also used as the on-disk file name.
// Distinct field tuples always produce distinct keys.
func (id ExperimentID) Key() string {
	fields := []string{id.Dataset, id.Split, id.Task, id.Prompt, id.Model}
	for i, f := range fields {
		fields[i] = escapeKeyField(f)
	}
	return strings.Join(fields, keySeparator)
}

// String returns a human readable form of the id
func (id ExperimentID) String() string {
	var b strings.Builder
	b.WriteString(id.Dataset)
	if id.Split != "" {
		b.WriteString("[" + id.Split + "]")
	}
	if id.Task != "" {
		b.WriteString(" task=" + id.Task)
	}
	b.WriteString(" prompt=" + id.Prompt)
	b.WriteString(" model=" + id.Model)
	return b.String()
}

// ResultID identifies a single metric computed for an experiment
type ResultID struct {
	ExperimentID
	Metric string `json:"metric_name"`
}

// Validate checks the parent experiment id and the metric name
func (id ResultID) Validate() error {
	if err := id.ExperimentID.Validate(); err != nil {
		return err
	}
	if id.Metric == "" {
		return fmt.Errorf("%w: result id missing metric", ErrConfiguration)
	}
	return nil
}

// Experiment returns the parent experiment id
func (id ResultID) Experiment() ExperimentID {
	return id.ExperimentID
}

// Key returns the canonical cache key for the result
func (id ResultID) Key() string {
	return id.ExperimentID.Key() + keySeparator + keySeparator + escapeKeyField(id.Metric)
}

// String returns a human readable form of the id
func (id ResultID) String() string {
	return id.ExperimentID.String() + " metric=" + id.Metric
}

// escapeKeyField percent-encodes every byte outside [A-Za-z0-9._], which
// includes the separator and '%' itself.
func escapeKeyField(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isKeySafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isKeySafe(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '.' || c == '_'
}
