package hfhub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// UploadFile maps a local file to its path in the repository
type UploadFile struct {
	LocalPath  string
	PathInRepo string
}

// gitattributes keeps JSONL files out of LFS so the dataset viewer renders them
const gitattributes = `*.parquet filter=lfs diff=lfs merge=lfs -text
*.arrow filter=lfs diff=lfs merge=lfs -text
*.gz filter=lfs diff=lfs merge=lfs -text
*.zst filter=lfs diff=lfs merge=lfs -text
`

// Publish creates the dataset repository if needed and commits files to
// its main branch in one commit
func (c *Client) Publish(ctx context.Context, repoID string, files []UploadFile, message string) error {
	if c.token == "" {
		return fmt.Errorf("publishing to %s requires a Hugging Face token", repoID)
	}
	if len(files) == 0 {
		return fmt.Errorf("no files to publish")
	}
	c.logger.Info("Publishing to Hugging Face Hub", "repo_id", repoID, "files", len(files))

	if err := c.ensureRepo(ctx, repoID); err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	operations := []CommitOperation{{
		Path:     ".gitattributes",
		Content:  base64.StdEncoding.EncodeToString([]byte(gitattributes)),
		Encoding: "base64",
	}}
	for _, f := range files {
		op, err := PrepareFileOperation(f.LocalPath, f.PathInRepo)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", f.LocalPath, err)
		}
		operations = append(operations, *op)
	}

	if err := c.uploadLFS(ctx, repoID, operations); err != nil {
		return fmt.Errorf("failed to upload LFS files: %w", err)
	}

	if err := c.commit(ctx, repoID, "main", operations, message); err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}

	c.logger.Info("Publish completed",
		"repo_id", repoID,
		"url", fmt.Sprintf("%s/datasets/%s", c.endpoint, repoID))
	return nil
}

func (c *Client) ensureRepo(ctx context.Context, repoID string) error {
	namespace, name, ok := splitRepoID(repoID)
	if !ok {
		return fmt.Errorf("invalid repo_id format, expected 'namespace/name', got '%s'", repoID)
	}

	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/api/datasets/%s", c.endpoint, repoID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		c.logger.Debug("Repository already exists", "repo_id", repoID)
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"name":         name,
		"organization": namespace,
		"type":         "dataset",
		"private":      false,
	})
	if err != nil {
		return err
	}
	req, err = c.newRequest(ctx, http.MethodPost, c.endpoint+"/api/repos/create", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// 409: created concurrently, or owned by the token's user under another org view
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return statusError("create repo", resp)
	}
	c.logger.Info("Repository created", "repo_id", repoID)
	return nil
}

func (c *Client) commit(ctx context.Context, repoID, branch string, operations []CommitOperation, message string) error {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	for _, line := range commitLines(operations, message) {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode commit payload: %w", err)
		}
	}

	commitURL := fmt.Sprintf("%s/api/datasets/%s/commit/%s", c.endpoint, repoID, branch)
	req, err := c.newRequest(ctx, http.MethodPost, commitURL, bytes.NewReader(payload.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	c.logger.Debug("Creating commit", "url", commitURL, "operations", len(operations))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("commit", resp)
	}
	c.logger.Info("Commit created", "branch", branch, "operations", len(operations))
	return nil
}

func splitRepoID(repoID string) (namespace, name string, ok bool) {
	namespace, name, ok = strings.Cut(repoID, "/")
	return namespace, name, ok && namespace != "" && name != "" && !strings.Contains(name, "/")
}
