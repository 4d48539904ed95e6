package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Directory names inside a project
const (
	GenerationsDir = "generations"
	ResultsDir     = "results"
	RecordsDir     = "records"
	RunsDir        = "runs"

	generationDataDir = "data"
	rowsFilename      = "rows.jsonl"
)

var (
	// ErrProjectExists is returned when opening an existing project with loading disabled.
	ErrProjectExists = errors.New("project already exists")

	// ErrInvalidProjectName is returned for names that could escape the projects directory.
	ErrInvalidProjectName = errors.New("invalid project name")
)

var projectNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks that a project name is a plain directory name that
// resolves inside root. It rejects traversal, absolute paths and separators.
func ValidateName(root, name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidProjectName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidProjectName, name)
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q must be a directory name without path separators", ErrInvalidProjectName, name)
	}
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidProjectName, name)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve projects directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes the projects directory", ErrInvalidProjectName, name)
	}
	return nil
}

// List returns the names of the projects under root, sorted
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read projects directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || ValidateName(root, e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), GenerationsDir)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// writeJSONAtomic writes v as indented JSON through a temp file and rename
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// removeIfExists deletes a file or directory tree, ignoring absence
func removeIfExists(path string) error {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
