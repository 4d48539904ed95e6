package hfhub

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// CommitOperation represents a single file added by a commit
type CommitOperation struct {
	Path      string       `json:"path"`
	Content   string       `json:"content,omitempty"`  // base64 encoded for small files
	Encoding  string       `json:"encoding,omitempty"` // "base64" for content
	LFSFile   *LFSFileInfo `json:"lfsFile,omitempty"`  // for large files
	localPath string
}

// LFSFileInfo contains information about an LFS file
type LFSFileInfo struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// LFSThreshold is the size threshold for using LFS (10MB)
const LFSThreshold = 10 * 1024 * 1024

// PrepareFileOperation hashes a local file and either embeds it or marks it
// for LFS upload
func PrepareFileOperation(localPath, pathInRepo string) (*CommitOperation, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", localPath, err)
	}

	op := &CommitOperation{Path: pathInRepo, localPath: localPath}
	if size >= LFSThreshold {
		op.LFSFile = &LFSFileInfo{SHA256: hex.EncodeToString(hasher.Sum(nil)), Size: size}
		return op, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	op.Content = base64.StdEncoding.EncodeToString(data)
	op.Encoding = "base64"
	return op, nil
}

// commitLines renders the NDJSON body of the commit API: a header line,
// then one line per file
func commitLines(operations []CommitOperation, summary string) []any {
	lines := []any{map[string]any{
		"key":   "header",
		"value": map[string]string{"summary": summary, "description": ""},
	}}
	for _, op := range operations {
		if op.LFSFile != nil {
			lines = append(lines, map[string]any{
				"key": "lfsFile",
				"value": map[string]any{
					"path": op.Path,
					"algo": "sha256",
					"oid":  op.LFSFile.SHA256,
					"size": op.LFSFile.Size,
				},
			})
			continue
		}
		lines = append(lines, map[string]any{
			"key": "file",
			"value": map[string]any{
				"content":  op.Content,
				"path":     op.Path,
				"encoding": op.Encoding,
			},
		})
	}
	return lines
}
