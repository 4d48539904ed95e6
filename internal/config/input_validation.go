package config

import (
	"fmt"
	"net/url"
	"unicode"

	"github.com/lamim/evalforge/internal/util"
)

const (
	// MaxNameLength is the maximum allowed length for names that end up in
	// experiment ids
	MaxNameLength = 200

	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB
)

// ValidateInputs performs additional security validation on user-controllable fields.
func (c *Config) ValidateInputs() error {
	if err := validateName(c.Project.Name, "project.name"); err != nil {
		return err
	}

	for _, name := range sortedKeys(c.Datasets) {
		if err := validateName(name, "datasets."+name); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(c.Tasks) {
		task := c.Tasks[name]
		if err := validateName(task.Name, "tasks."+name+".name"); err != nil {
			return err
		}
		if err := validateName(task.Prompt, "tasks."+name+".prompt"); err != nil {
			return err
		}
		if err := validateTemplate(task.PromptTemplate, "tasks."+name+".prompt_template"); err != nil {
			return err
		}
		if err := validateTemplate(task.SystemPrompt, "tasks."+name+".system_prompt"); err != nil {
			return err
		}
	}

	// Validate model configurations
	for _, name := range sortedKeys(c.Models) {
		mc := c.Models[name]
		if err := validateName(name, "models."+name); err != nil {
			return err
		}
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if err := validateBaseURL(mc.BaseURL, name); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(c.Evaluators) {
		ev := c.Evaluators[name]
		if err := validateName(name, "evaluators."+name); err != nil {
			return err
		}
		if err := validateTemplate(ev.Rubric, "evaluators."+name+".rubric"); err != nil {
			return err
		}
		if err := validateTemplate(ev.SystemPrompt, "evaluators."+name+".system_prompt"); err != nil {
			return err
		}
	}

	return nil
}

// validateName checks identifiers for length and control characters
func validateName(name, field string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s exceeds maximum length of %d characters (got %d)",
			field, MaxNameLength, len(name))
	}
	if containsControlChars(name) {
		return fmt.Errorf("%s contains invalid control characters", field)
	}
	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}

	// Check for control characters
	if containsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}

	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}

	return nil
}

// validateTemplate checks size and syntax of a template field
func validateTemplate(value, field string) error {
	if value == "" {
		return nil
	}
	if len(value) > MaxTemplateSize {
		return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
			field, MaxTemplateSize, len(value))
	}
	if err := util.ValidateTemplate(value); err != nil {
		return fmt.Errorf("template '%s': %w", field, err)
	}
	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
