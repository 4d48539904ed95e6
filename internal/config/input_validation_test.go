package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"", "squad", "gsm8k-main", "Question Answering", "few shot\nv2"} {
		assert.NoError(t, validateName(ok, "field"), "%q", ok)
	}

	tests := map[string]string{
		strings.Repeat("a", MaxNameLength+1): "exceeds maximum length",
		"qa\x00v2":                           "control characters",
		"qa\x07v2":                           "control characters",
		"qa\x1bv2":                           "control characters",
	}
	for input, want := range tests {
		assert.ErrorContains(t, validateName(input, "tasks.qa.name"), want, "%q", input)
	}
}

func TestValidateModelName(t *testing.T) {
	for _, ok := range []string{"gpt-4o", "meta-llama/Llama-3.1-8B-Instruct", "qwen2.5:7b"} {
		assert.NoError(t, validateModelName(ok, "main"), ok)
	}
	assert.ErrorContains(t, validateModelName(strings.Repeat("m", MaxModelNameLength+1), "main"), "exceeds maximum length")
	assert.ErrorContains(t, validateModelName("gpt\x00", "main"), "control characters")
}

func TestValidateBaseURL(t *testing.T) {
	for _, ok := range []string{
		"https://api.openai.com/v1",
		"http://localhost:8000/v1",
		"http://127.0.0.1:11434/v1/",
	} {
		assert.NoError(t, validateBaseURL(ok, "main"), ok)
	}

	tests := map[string]string{
		"ftp://example.com":      "http or https",
		"file:///etc/passwd":     "http or https",
		"api.openai.com/v1":      "http or https",
		"https://":               "must have a host",
		"http://[::1]:namedport": "invalid base_url",
	}
	for input, want := range tests {
		assert.ErrorContains(t, validateBaseURL(input, "main"), want, input)
	}
}

func TestValidateTemplateField(t *testing.T) {
	assert.NoError(t, validateTemplate("", "tasks.qa.prompt_template"))
	assert.NoError(t, validateTemplate("Q: {{.question}}", "tasks.qa.prompt_template"))

	assert.ErrorContains(t, validateTemplate(strings.Repeat("x", MaxTemplateSize+1), "f"), "exceeds maximum size")
	assert.ErrorContains(t, validateTemplate("{{.question", "f"), "failed to parse")
	for _, directive := range []string{`{{define "x"}}{{end}}`, `{{template "x"}}`, `{{block "x" .}}{{end}}`, "{{call .fn}}"} {
		assert.ErrorContains(t, validateTemplate(directive, "f"), "forbidden directive", directive)
	}
}

func TestContainsControlChars(t *testing.T) {
	assert.False(t, containsControlChars("line one\nline two\ttabbed\r"))
	assert.False(t, containsControlChars("unicode ✓ 思考"))
	assert.True(t, containsControlChars("\x00"))
	assert.True(t, containsControlChars("del\x7f"))
}

func TestValidateInputs(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Project:  ProjectConfig{Name: "demo"},
			Datasets: map[string]DatasetConfig{"squad": {}},
			Tasks: map[string]TaskConfig{
				"qa": {Dataset: "squad", Prompt: "qa", PromptTemplate: "Q: {{.question}}"},
			},
			Models: map[string]ModelConfig{
				"main": {BaseURL: "https://api.example.com", ModelName: "gpt-4"},
			},
			Evaluators: map[string]EvaluatorConfig{
				"judge": {Kind: EvaluatorJudge, Rubric: "{{.Output}}"},
			},
		}
	}
	require.NoError(t, valid().ValidateInputs())

	tests := map[string]func(c *Config){
		"project name": func(c *Config) { c.Project.Name = strings.Repeat("a", MaxNameLength+1) },
		"dataset key":  func(c *Config) { c.Datasets = map[string]DatasetConfig{"bad\x00": {}} },
		"prompt template": func(c *Config) {
			c.Tasks = map[string]TaskConfig{"qa": {Dataset: "squad", PromptTemplate: "{{.q"}}
		},
		"system prompt": func(c *Config) {
			c.Tasks = map[string]TaskConfig{"qa": {Dataset: "squad", SystemPrompt: `{{template "x"}}`}}
		},
		"base url": func(c *Config) {
			c.Models = map[string]ModelConfig{"main": {BaseURL: "ftp://invalid.com", ModelName: "m"}}
		},
		"rubric": func(c *Config) {
			c.Evaluators = map[string]EvaluatorConfig{"judge": {Kind: EvaluatorJudge, Rubric: `{{define "x"}}{{end}}`}}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.ValidateInputs())
		})
	}
}
