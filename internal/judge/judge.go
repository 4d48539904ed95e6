package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/util"
	"github.com/lamim/evalforge/pkg/models"
)

// CriteriaScore is the judge's verdict on one rubric criterion
type CriteriaScore struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Config configures a rubric judge
type Config struct {
	Name         string // metric name of the produced result
	Rubric       string // template over the row columns plus Input, Output and Target
	SystemPrompt string
}

// Factory builds judge scorers around a loaded judge model
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory validates the rubric template and returns a scorer factory
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: judge name is required", models.ErrConfiguration)
	}
	if cfg.Rubric == "" {
		return nil, fmt.Errorf("%w: judge %s has no rubric", models.ErrConfiguration, cfg.Name)
	}
	if err := util.ValidateTemplate(cfg.Rubric); err != nil {
		return nil, fmt.Errorf("%w: judge %s rubric: %v", models.ErrConfiguration, cfg.Name, err)
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With("component", "judge", "judge", cfg.Name),
	}, nil
}

// CreateScorer returns a scorer that asks model to grade every row
func (f *Factory) CreateScorer(model pipeline.Model) (pipeline.Scorer, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: judge %s needs a loaded model", models.ErrConfiguration, f.cfg.Name)
	}
	return &Judge{cfg: f.cfg, model: model, logger: f.logger}, nil
}

// Judge grades generated outputs with a model and a rubric
type Judge struct {
	cfg    Config
	model  pipeline.Model
	logger *slog.Logger
}

// Score renders the rubric for every row, sends all prompts to the judge
// model in one call and averages the criterion scores. Rows whose verdict
// cannot be parsed are reported as nil instance results; the call fails
// only when no verdict parses at all.
func (j *Judge) Score(ctx context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error) {
	if len(gen.Rows) == 0 {
		return nil, fmt.Errorf("generation %s has no rows to judge", gen.ID)
	}

	prompts := make([]models.Prompt, len(gen.Rows))
	for i, row := range gen.Rows {
		data := map[string]any(row.Clone())
		data["Input"] = row.String(columns.Input)
		data["Output"] = row.String(columns.Output)
		data["Target"] = row.String(columns.Target)

		user, err := util.RenderTemplate(j.cfg.Rubric, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render judge rubric for row %d: %w", i, err)
		}
		prompts[i] = models.Prompt{System: j.cfg.SystemPrompt, User: user}
	}

	responses, err := j.model.Generate(ctx, prompts)
	if err != nil {
		return nil, fmt.Errorf("judge model failed: %w", err)
	}
	if len(responses) != len(prompts) {
		return nil, fmt.Errorf("judge model returned %d verdicts for %d rows", len(responses), len(prompts))
	}

	instance := make([]any, len(responses))
	reasoning := make([]any, len(responses))
	criteriaSum := make(map[string]float64)
	criteriaCount := make(map[string]int)
	var total float64
	parsed := 0

	for i, resp := range responses {
		scores, err := parseJudgeResponse(util.StripThinkTags(resp))
		if err != nil {
			j.logger.Warn("Failed to parse judge verdict",
				"experiment", gen.ID.String(),
				"row", i,
				"error", err,
				"response", util.TruncateString(resp, 200))
			continue
		}

		avg := calculateAverageScore(scores)
		instance[i] = avg
		reasoning[i] = joinReasoning(scores)
		total += avg
		parsed++
		for name, s := range scores {
			criteriaSum[name] += s.Score
			criteriaCount[name]++
		}
	}

	if parsed == 0 {
		return nil, fmt.Errorf("no judge verdict could be parsed for %d rows", len(responses))
	}

	criteria := make(map[string]any, len(criteriaSum))
	for name, sum := range criteriaSum {
		criteria[name] = sum / float64(criteriaCount[name])
	}

	j.logger.Debug("Judged generation",
		"experiment", gen.ID.String(),
		"rows", len(responses),
		"parsed", parsed,
		"mean", total/float64(parsed))

	return []models.EvaluationResult{{
		Name:     j.cfg.Name,
		Category: models.CategoryAlignment,
		Overall:  total / float64(parsed),
		OverallMetadata: map[string]any{
			"criteria": criteria,
			"judged":   parsed,
			"failed":   len(responses) - parsed,
		},
		InstanceResults: instance,
		InstanceMetadata: map[string][]any{
			"reasoning": reasoning,
		},
	}}, nil
}

// parseJudgeResponse accepts either a map of criteria to verdicts or a
// single flat verdict, which is reported under "overall"
func parseJudgeResponse(response string) (map[string]CriteriaScore, error) {
	var raw map[string]json.RawMessage
	if err := util.DecodeJSON(response, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("verdict has no criteria")
	}

	if _, flat := raw["score"]; flat {
		var single CriteriaScore
		if err := util.DecodeJSON(response, &single); err != nil {
			return nil, err
		}
		return map[string]CriteriaScore{"overall": single}, nil
	}

	scores := make(map[string]CriteriaScore, len(raw))
	for name, msg := range raw {
		var s CriteriaScore
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("criterion %s: %w", name, err)
		}
		scores[name] = s
	}
	return scores, nil
}

func calculateAverageScore(scores map[string]CriteriaScore) float64 {
	if len(scores) == 0 {
		return 0
	}

	var sum float64
	for _, score := range scores {
		sum += score.Score
	}

	return sum / float64(len(scores))
}

func joinReasoning(scores map[string]CriteriaScore) map[string]string {
	out := make(map[string]string, len(scores))
	for name, s := range scores {
		out[name] = s.Reasoning
	}
	return out
}
