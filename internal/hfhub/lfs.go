package hfhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// LFSBatchObject represents an object in the LFS batch request/response
type LFSBatchObject struct {
	OID     string      `json:"oid"`
	Size    int64       `json:"size"`
	Actions *LFSActions `json:"actions,omitempty"` // nil when the server already has the object
}

// LFSActions contains upload and verify actions
type LFSActions struct {
	Upload *LFSAction `json:"upload,omitempty"`
	Verify *LFSAction `json:"verify,omitempty"`
}

// LFSAction represents an upload or verify action
type LFSAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

// LFSBatchRequest is the request to the LFS batch endpoint
type LFSBatchRequest struct {
	Operation string           `json:"operation"`
	Transfers []string         `json:"transfers"`
	Objects   []LFSBatchObject `json:"objects"`
	HashAlgo  string           `json:"hash_algo"`
}

// LFSBatchResponse is the response from the LFS batch endpoint
type LFSBatchResponse struct {
	Objects  []LFSBatchObject `json:"objects"`
	Transfer string           `json:"transfer,omitempty"`
}

// uploadLFS uploads every LFS operation the server does not have yet using
// the basic (single PUT) transfer
func (c *Client) uploadLFS(ctx context.Context, repoID string, operations []CommitOperation) error {
	byOID := make(map[string]CommitOperation)
	var objects []LFSBatchObject
	for _, op := range operations {
		if op.LFSFile == nil {
			continue
		}
		byOID[op.LFSFile.SHA256] = op
		objects = append(objects, LFSBatchObject{OID: op.LFSFile.SHA256, Size: op.LFSFile.Size})
	}
	if len(objects) == 0 {
		return nil
	}

	var batch LFSBatchResponse
	err := c.withRetry(ctx, "lfs batch", func() error {
		var err error
		batch, err = c.lfsBatch(ctx, repoID, objects)
		return err
	})
	if err != nil {
		return err
	}

	for _, obj := range batch.Objects {
		if obj.Actions == nil || obj.Actions.Upload == nil {
			c.logger.Debug("LFS object already on server", "oid", obj.OID)
			continue
		}
		op, ok := byOID[obj.OID]
		if !ok {
			return fmt.Errorf("LFS batch returned unknown object %s", obj.OID)
		}
		action := obj.Actions.Upload
		if err := c.withRetry(ctx, "lfs upload "+op.Path, func() error {
			return c.putLFS(ctx, action, op)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) lfsBatch(ctx context.Context, repoID string, objects []LFSBatchObject) (LFSBatchResponse, error) {
	batchURL := fmt.Sprintf("%s/datasets/%s.git/info/lfs/objects/batch", c.endpoint, repoID)
	payload, err := json.Marshal(LFSBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic"},
		Objects:   objects,
		HashAlgo:  "sha256",
	})
	if err != nil {
		return LFSBatchResponse{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, batchURL, bytes.NewReader(payload))
	if err != nil {
		return LFSBatchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LFSBatchResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LFSBatchResponse{}, statusError("LFS batch", resp)
	}

	var batch LFSBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return LFSBatchResponse{}, fmt.Errorf("failed to decode LFS batch response: %w", err)
	}
	c.logger.Debug("LFS batch completed", "objects", len(batch.Objects), "transfer", batch.Transfer)
	return batch, nil
}

func (c *Client) putLFS(ctx context.Context, action *LFSAction, op CommitOperation) error {
	file, err := os.Open(op.localPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// Presigned URL: no bearer token
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, file)
	if err != nil {
		return err
	}
	req.ContentLength = op.LFSFile.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	for key, value := range action.Header {
		req.Header.Set(key, value)
	}

	resp, err := c.transferClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("LFS upload", resp)
	}
	c.logger.Info("LFS file uploaded", "path", op.Path, "size", op.LFSFile.Size)
	return nil
}
