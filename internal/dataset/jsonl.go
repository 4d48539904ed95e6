// Package dataset loads evaluation datasets from local JSONL files or the
// Hugging Face Hub and adapts their rows to the pipeline's columns.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/lamim/evalforge/pkg/models"
)

// UnsplitFile is the file name of a dataset without splits
const UnsplitFile = "data"

// splitFile returns the JSONL file name of a split
func splitFile(split string) string {
	if split == "" {
		return UnsplitFile + ".jsonl"
	}
	return split + ".jsonl"
}

// readJSONL reads one JSON object per line. Blank lines are skipped.
func readJSONL(path string) ([]models.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var rows []models.Row
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row models.Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("%s line %d: failed to parse record: %w", path, lineNum, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}
