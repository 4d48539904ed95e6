package hfhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// ErrFileNotFound is returned when the repository has no such file
var ErrFileNotFound = errors.New("file not found on hub")

// DownloadDatasetFile downloads one file of a dataset repository at a
// revision into dest. The file is written to a temp file and renamed, so
// dest is either absent or complete.
func (c *Client) DownloadDatasetFile(ctx context.Context, repoID, revision, filename, dest string) error {
	if revision == "" {
		revision = "main"
	}
	fileURL := fmt.Sprintf("%s/datasets/%s/resolve/%s/%s",
		c.endpoint, repoID, url.PathEscape(revision), filename)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	err := c.withRetry(ctx, "download "+filename, func() error {
		return c.download(ctx, fileURL, dest)
	})
	if errors.Is(err, ErrFileNotFound) {
		return fmt.Errorf("%s@%s/%s: %w", repoID, revision, filename, ErrFileNotFound)
	}
	return err
}

func (c *Client) download(ctx context.Context, fileURL, dest string) error {
	req, err := c.newRequest(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}

	c.logger.Debug("Downloading file", "url", fileURL)
	resp, err := c.transferClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// Not worth retrying
		return &permanentError{ErrFileNotFound}
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("download", resp)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	size, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	c.logger.Info("Downloaded file", "dest", dest, "bytes", size)
	return nil
}
