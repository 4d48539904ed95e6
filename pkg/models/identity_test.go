package models

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExperimentIDRequiredFields(t *testing.T) {
	tests := []struct {
		name                                string
		dataset, split, task, prompt, model string
		wantErr                             bool
	}{
		{"complete", "squad", "test", "qa", "p1", "m1", false},
		{"optional fields empty", "squad", "", "", "p1", "m1", false},
		{"missing dataset", "", "test", "qa", "p1", "m1", true},
		{"missing prompt", "squad", "test", "qa", "", "m1", true},
		{"missing model", "squad", "test", "qa", "p1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExperimentID(tt.dataset, tt.split, tt.task, tt.prompt, tt.model)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := ExperimentID{Dataset: "squad", Split: "test", Task: "qa", Prompt: "p1", Model: "llama-3"}
	b := a
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "squad-test-qa-p1-llama%2D3", a.Key())
}

func TestKeyInjective(t *testing.T) {
	ids := []ExperimentID{
		{Dataset: "a-b", Prompt: "c", Model: "d"},
		{Dataset: "a", Split: "b", Prompt: "c", Model: "d"},
		{Dataset: "a", Task: "b", Prompt: "c", Model: "d"},
		{Dataset: "a%2Db", Prompt: "c", Model: "d"},
		{Dataset: "a/b", Prompt: "c", Model: "d"},
		{Dataset: "a b", Prompt: "c", Model: "d"},
	}

	seen := make(map[string]ExperimentID)
	for _, id := range ids {
		key := id.Key()
		if prev, dup := seen[key]; dup {
			t.Fatalf("key %q produced by both %+v and %+v", key, prev, id)
		}
		seen[key] = id
	}
}

func TestKeyFilesystemSafe(t *testing.T) {
	id := ExperimentID{Dataset: "../etc", Split: "x/y", Task: `a\b`, Prompt: "p:1", Model: "org/model name"}
	key := id.Key()
	assert.NotContains(t, key, "/")
	assert.NotContains(t, key, `\`)
	assert.NotContains(t, key, ":")
	assert.NotContains(t, key, " ")
	assert.Equal(t, key, filepath.Base(key))
}

func TestResultIDKey(t *testing.T) {
	id := ExperimentID{Dataset: "squad", Prompt: "p1", Model: "m1"}
	rid := id.WithMetric("exact-match")

	assert.Equal(t, id, rid.Experiment())
	assert.Equal(t, id.Key()+"--exact%2Dmatch", rid.Key())
	assert.NotEqual(t, id.WithMetric("a").Key(), id.WithMetric("b").Key())
}

func TestResultIDValidate(t *testing.T) {
	id := ExperimentID{Dataset: "squad", Prompt: "p1", Model: "m1"}
	require.NoError(t, id.WithMetric("accuracy").Validate())
	assert.ErrorIs(t, id.WithMetric("").Validate(), ErrConfiguration)
}

func TestResultIDJSONFlattensExperiment(t *testing.T) {
	rid := ExperimentID{Dataset: "squad", Split: "test", Prompt: "p1", Model: "m1"}.WithMetric("accuracy")
	data, err := json.Marshal(rid)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "squad", fields["dataset_name"])
	assert.Equal(t, "accuracy", fields["metric_name"])

	var back ResultID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rid, back)
}

func TestModelRecordEquality(t *testing.T) {
	a := ModelConfig{Name: "m1", ModelName: "llama", ModelArgs: map[string]any{"b": 1, "a": 2}}
	b := ModelConfig{Name: "m1", ModelName: "llama", ModelArgs: map[string]any{"a": 2, "b": 1}}
	c := ModelConfig{Name: "m1", ModelName: "llama", ModelArgs: map[string]any{"a": 3, "b": 1}}

	assert.Equal(t, a.Record(), b.Record())
	assert.NotEqual(t, a.Record(), c.Record())
}

func TestStageErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("boom")
	genErr := &StageError{Stage: StageGenerate, Key: "k", Err: cause}
	evalErr := &StageError{Stage: StageEvaluate, Key: "k", Err: cause}

	assert.ErrorIs(t, genErr, ErrGeneration)
	assert.ErrorIs(t, genErr, cause)
	assert.NotErrorIs(t, genErr, ErrEvaluation)
	assert.ErrorIs(t, evalErr, ErrEvaluation)
}
