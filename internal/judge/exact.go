package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/util"
	"github.com/lamim/evalforge/pkg/models"
)

// ExactMatch returns a scorer that compares each output with the target
// column. Inline think blocks are dropped and whitespace trimmed before
// comparing; caseSensitive controls letter case.
func ExactMatch(name string, caseSensitive bool) pipeline.Scorer {
	return pipeline.ScorerFunc(func(_ context.Context, gen models.GenerationArtifact, columns models.ColumnMapping) ([]models.EvaluationResult, error) {
		if len(gen.Rows) == 0 {
			return nil, fmt.Errorf("generation %s has no rows to score", gen.ID)
		}

		instance := make([]any, len(gen.Rows))
		matches := 0
		for i, row := range gen.Rows {
			if _, ok := row[columns.Target]; !ok {
				return nil, fmt.Errorf("row %d has no target column %q", i, columns.Target)
			}
			got := util.StripThinkTags(row.String(columns.Output))
			want := strings.TrimSpace(row.String(columns.Target))
			hit := got == want
			if !caseSensitive {
				hit = strings.EqualFold(got, want)
			}
			instance[i] = hit
			if hit {
				matches++
			}
		}

		return []models.EvaluationResult{{
			Name:     name,
			Category: models.CategoryStatistical,
			Overall:  float64(matches) / float64(len(gen.Rows)),
			OverallMetadata: map[string]any{
				"matches": matches,
				"total":   len(gen.Rows),
			},
			InstanceResults: instance,
		}}, nil
	})
}
