package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// forbiddenDirectives could pull in other templates or call functions from row data
var forbiddenDirectives = []string{"{{call", "{{define", "{{template", "{{block"}

// templateCache holds parsed templates keyed by their source text
var templateCache sync.Map

// RenderTemplate renders a template string with the given data. Parsed
// templates are cached, so rendering the same prompt template for every
// dataset row parses it once. Missing keys are an error.
func RenderTemplate(tmpl string, data map[string]any) (string, error) {
	if err := ValidateTemplate(tmpl); err != nil {
		return "", err
	}

	t, err := parseCached(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// ValidateTemplate rejects directives that are not allowed in prompt
// templates and checks that the template parses
func ValidateTemplate(tmpl string) error {
	for _, directive := range forbiddenDirectives {
		if strings.Contains(tmpl, directive) {
			return fmt.Errorf("template contains forbidden directive: %s", directive)
		}
	}
	_, err := parseCached(tmpl)
	return err
}

func parseCached(tmpl string) (*template.Template, error) {
	if cached, ok := templateCache.Load(tmpl); ok {
		return cached.(*template.Template), nil
	}

	t, err := template.New("prompt").
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	actual, _ := templateCache.LoadOrStore(tmpl, t)
	return actual.(*template.Template), nil
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
