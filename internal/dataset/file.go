package dataset

import (
	"context"
	"path/filepath"

	"github.com/lamim/evalforge/pkg/models"
)

// FileProvider reads datasets laid out as <root>/<name>/<version>/<split>.jsonl.
// The version directory is left out when the version is empty, and an
// unsplit dataset lives in data.jsonl.
type FileProvider struct {
	Root string
	// Dirs overrides the directory of individual datasets
	Dirs map[string]string
}

// Load reads the requested splits. No splits means the unsplit file, keyed
// by the empty split name.
func (p *FileProvider) Load(ctx context.Context, name, version string, splits []string) (map[string][]models.Row, error) {
	dir, ok := p.Dirs[name]
	if !ok {
		dir = filepath.Join(p.Root, name)
	}
	if version != "" {
		dir = filepath.Join(dir, version)
	}
	return loadSplits(ctx, splits, func(split string) ([]models.Row, error) {
		return readJSONL(filepath.Join(dir, splitFile(split)))
	})
}

func loadSplits(ctx context.Context, splits []string, load func(split string) ([]models.Row, error)) (map[string][]models.Row, error) {
	if len(splits) == 0 {
		splits = []string{""}
	}
	out := make(map[string][]models.Row, len(splits))
	for _, split := range splits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := load(split)
		if err != nil {
			return nil, err
		}
		out[split] = rows
	}
	return out, nil
}
