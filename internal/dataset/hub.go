package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/lamim/evalforge/internal/hfhub"
	"github.com/lamim/evalforge/pkg/models"
)

// Downloader fetches one file of a Hub dataset repository
type Downloader interface {
	DownloadDatasetFile(ctx context.Context, repoID, revision, filename, dest string) error
}

// HubProvider downloads split files of a Hub dataset repository into a
// local cache and reads them like FileProvider. The dataset version is the
// repository revision.
type HubProvider struct {
	Client   Downloader
	CacheDir string
	// Repos maps dataset names to repository ids. Unmapped names are used
	// as repository ids directly.
	Repos map[string]string
	// Prefix is the directory of the split files inside the repository
	Prefix string
	Logger *slog.Logger
}

// Load downloads missing splits and reads them from the cache
func (p *HubProvider) Load(ctx context.Context, name, version string, splits []string) (map[string][]models.Row, error) {
	repoID, ok := p.Repos[name]
	if !ok {
		repoID = name
	}
	revision := version
	if revision == "" {
		revision = "main"
	}

	return loadSplits(ctx, splits, func(split string) ([]models.Row, error) {
		local, err := p.fetch(ctx, repoID, revision, splitFile(split))
		if err != nil {
			return nil, err
		}
		return readJSONL(local)
	})
}

func (p *HubProvider) fetch(ctx context.Context, repoID, revision, file string) (string, error) {
	local := filepath.Join(p.CacheDir, filepath.FromSlash(repoID), revision, file)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if p.Logger != nil {
		p.Logger.Info("Downloading dataset split", "repo_id", repoID, "revision", revision, "file", file)
	}
	remote := file
	if p.Prefix != "" {
		remote = path.Join(p.Prefix, file)
	}
	if err := p.Client.DownloadDatasetFile(ctx, repoID, revision, remote, local); err != nil {
		if errors.Is(err, hfhub.ErrFileNotFound) {
			return "", fmt.Errorf("%w: %v", models.ErrNotFound, err)
		}
		return "", err
	}
	return local, nil
}
