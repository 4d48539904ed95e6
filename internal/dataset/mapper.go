package dataset

import (
	"fmt"

	"github.com/lamim/evalforge/internal/util"
	"github.com/lamim/evalforge/pkg/models"
)

// FieldMapper copies source fields into the configured columns, renders an
// optional prompt template into the input column and sets a fixed system
// prompt. Rows without an id get their index.
type FieldMapper struct {
	Fields       map[string]string // column -> source field
	Template     string
	SystemPrompt string
}

// NewFieldMapper validates the prompt template
func NewFieldMapper(fields map[string]string, template, systemPrompt string) (*FieldMapper, error) {
	if template != "" {
		if err := util.ValidateTemplate(template); err != nil {
			return nil, fmt.Errorf("%w: prompt template: %v", models.ErrConfiguration, err)
		}
	}
	return &FieldMapper{Fields: fields, Template: template, SystemPrompt: systemPrompt}, nil
}

// Transform implements pipeline.Preprocessor
func (m *FieldMapper) Transform(rows []models.Row, columns models.ColumnMapping) ([]models.Row, error) {
	out := make([]models.Row, len(rows))
	for i, row := range rows {
		mapped := row.Clone()
		for column, field := range m.Fields {
			v, ok := row[field]
			if !ok {
				return nil, fmt.Errorf("row %d: missing field %q for column %q", i, field, column)
			}
			mapped[column] = v
		}

		if m.Template != "" {
			prompt, err := util.RenderTemplate(m.Template, mapped)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			mapped[columns.Input] = prompt
		}
		if _, ok := mapped[columns.Input]; !ok {
			return nil, fmt.Errorf("row %d: no %q column", i, columns.Input)
		}

		if m.SystemPrompt != "" && columns.System != "" {
			mapped[columns.System] = m.SystemPrompt
		}
		if columns.ID != "" {
			if _, ok := mapped[columns.ID]; !ok {
				mapped[columns.ID] = i
			}
		}
		out[i] = mapped
	}
	return out, nil
}
