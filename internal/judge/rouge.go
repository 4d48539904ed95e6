package judge

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/util"
	"github.com/lamim/evalforge/pkg/models"
)

// RougeL returns a scorer reporting the ROUGE-L F1 between each output and
// the target column. Text is lower-cased and split on anything that is not
// a letter or digit. The overall value is the mean over rows.
func RougeL(name string) pipeline.Scorer {
	return pipeline.ScorerFunc(func(_ context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error) {
		if len(gen.Rows) == 0 {
			return nil, fmt.Errorf("generation %s has no rows to score", gen.ID)
		}

		instance := make([]any, len(gen.Rows))
		var total float64
		for i, row := range gen.Rows {
			if _, ok := row[columns.Target]; !ok {
				return nil, fmt.Errorf("row %d has no target column %q", i, columns.Target)
			}
			f1 := rougeLF1(
				tokenize(util.StripThinkTags(row.String(columns.Output))),
				tokenize(row.String(columns.Target)),
			)
			instance[i] = f1
			total += f1
		}

		return []models.EvaluationResult{{
			Name:     name,
			Category: models.CategoryStatistical,
			Overall:  total / float64(len(gen.Rows)),
			OverallMetadata: map[string]any{
				"total": len(gen.Rows),
			},
			InstanceResults: instance,
		}}, nil
	})
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// rougeLF1 is the F1 of the longest common subsequence. Two empty inputs
// score 1.
func rougeLF1(candidate, reference []string) float64 {
	if len(candidate) == 0 && len(reference) == 0 {
		return 1
	}
	if len(candidate) == 0 || len(reference) == 0 {
		return 0
	}

	prev := make([]int, len(reference)+1)
	cur := make([]int, len(reference)+1)
	for _, c := range candidate {
		for j, r := range reference {
			switch {
			case c == r:
				cur[j+1] = prev[j] + 1
			case prev[j+1] >= cur[j]:
				cur[j+1] = prev[j+1]
			default:
				cur[j+1] = cur[j]
			}
		}
		prev, cur = cur, prev
	}

	lcs := float64(prev[len(reference)])
	if lcs == 0 {
		return 0
	}
	precision := lcs / float64(len(candidate))
	recall := lcs / float64(len(reference))
	return 2 * precision * recall / (precision + recall)
}
