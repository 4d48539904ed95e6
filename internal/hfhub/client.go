// Package hfhub talks to the Hugging Face Hub: it downloads dataset files
// and publishes evaluation summaries to dataset repositories.
package hfhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the public Hub
	DefaultEndpoint = "https://huggingface.co"
	// DefaultTimeout bounds metadata and commit requests
	DefaultTimeout = 300 * time.Second
	// TransferTimeout bounds file downloads and LFS uploads
	TransferTimeout = 600 * time.Second
	// LogPreviewLength is the maximum length for log previews
	LogPreviewLength = 500
	// MaxRetries is the maximum number of retries for failed transfers
	MaxRetries = 3
)

// Client is a Hub API client. The token may be empty for public downloads.
type Client struct {
	token          string
	endpoint       string
	httpClient     *http.Client // metadata and commits
	transferClient *http.Client // file downloads and LFS uploads
	retryDelay     time.Duration
	logger         *slog.Logger
}

// NewClient creates a Hub client for endpoint, or DefaultEndpoint when
// endpoint is empty
func NewClient(token, endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		token:          token,
		endpoint:       strings.TrimSuffix(endpoint, "/"),
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		transferClient: &http.Client{Timeout: TransferTimeout},
		retryDelay:     2 * time.Second,
		logger:         logger.With("component", "hf_hub"),
	}
}

// Endpoint returns the Hub base URL
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// permanentError stops withRetry
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// statusError reads the response body into an error. Client errors other
// than 429 are permanent.
func statusError(op string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, LogPreviewLength))
	err := fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, string(bodyBytes))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &permanentError{err}
	}
	return err
}

// withRetry runs fn up to MaxRetries+1 times with exponential backoff
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := c.retryDelay

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying Hub request",
				"operation", op,
				"attempt", attempt,
				"max_retries", MaxRetries,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, MaxRetries+1, lastErr)
}
