package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/evalforge/internal/metrics"
	"github.com/lamim/evalforge/pkg/models"
)

const (
	// DefaultHTTPTimeout is the default timeout for one request attempt
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// DefaultMaxBackoffDuration caps a single backoff sleep
	DefaultMaxBackoffDuration = 2 * time.Minute
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Client handles HTTP requests to OpenAI-compatible API endpoints
type Client struct {
	httpClient         *http.Client
	rateLimiterPool    *RateLimiterPool
	providerRateLimits map[string]int
	metrics            *metrics.Collector
	logger             *slog.Logger
	maxRetries         int
	baseRetryDelay     time.Duration
}

// NewClient creates a new API client. Request timeouts come from each
// model's HTTPTimeoutSeconds.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient:      &http.Client{},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger.With("component", "api"),
		maxRetries:      DefaultMaxRetries,
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// SetMetrics records request and rate limiter timings on m
func (c *Client) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// SetProviderRateLimits caps requests per minute across every model of a
// provider, keyed by ProviderName
func (c *Client) SetProviderRateLimits(limits map[string]int) {
	c.providerRateLimits = limits
}

// ChatCompletion sends a chat completion request to the specified model
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg models.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	body, err := buildRequestBody(modelCfg, messages, false)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, modelCfg, func(ctx context.Context) (*ChatCompletionResponse, error) {
		return c.doRequest(ctx, modelCfg.BaseURL, apiKey, body)
	})
}

// buildRequestBody renders the request as a map so generation args the
// typed request does not know about (top_k, min_p, seed, ...) pass through
func buildRequestBody(modelCfg models.ModelConfig, messages []Message, stream bool) (map[string]any, error) {
	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
	}
	if modelCfg.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	body := make(map[string]any)
	if err := json.Unmarshal(reqBytes, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to map: %w", err)
	}
	for k, v := range modelCfg.GenerationArgs {
		body[k] = v
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body, nil
}

// send waits for the rate limiters, then runs attempt with exponential
// backoff until it succeeds, fails permanently or runs out of retries
func (c *Client) send(
	ctx context.Context,
	modelCfg models.ModelConfig,
	attempt func(ctx context.Context) (*ChatCompletionResponse, error),
) (*ChatCompletionResponse, error) {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	provider := ProviderName(modelCfg.BaseURL)

	rateLimitStart := time.Now()
	if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute, provider, c.providerRateLimits[provider]); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordRateLimiterWait(modelCfg.Name, time.Since(rateLimitStart))
	}

	timeout := time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	// 0 means the client default; a negative value retries forever
	maxAttempts := modelCfg.MaxRetries
	if maxAttempts == 0 {
		maxAttempts = c.maxRetries
	}

	var lastErr error
	for n := 0; maxAttempts < 0 || n <= maxAttempts; n++ {
		if n > 0 {
			sleepDuration := c.backoff(n, lastErr)
			c.logger.Warn("Retrying API request",
				"attempt", n,
				"max_retries", maxAttempts,
				"backoff", sleepDuration,
				"model", modelCfg.ModelName,
				"is_rate_limit", isRateLimitError(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := attempt(attemptCtx)
		cancel()
		if c.metrics != nil {
			c.metrics.RecordAPIRequest(modelCfg.Name, time.Since(start), err == nil)
			if err == nil && resp.Usage != nil {
				c.metrics.RecordTokens(modelCfg.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			}
		}
		if err == nil {
			c.logger.Debug("API request completed",
				"model", modelCfg.ModelName,
				"rate_limit_wait_ms", start.Sub(rateLimitStart).Milliseconds(),
				"api_duration_ms", time.Since(start).Milliseconds())
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// Only the attempt timed out; keep it apart from caller cancellation
			err = &APIError{Message: fmt.Sprintf("request timed out after %s", timeout), Retryable: true}
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff returns 2^(n-1) * base, or 3^n * base after a rate limit error,
// capped and with +-10% jitter
func (c *Client) backoff(n int, lastErr error) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(n-1))) * c.baseRetryDelay
	if isRateLimitError(lastErr) {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(n))) * c.baseRetryDelay
	}
	if backoff > DefaultMaxBackoffDuration {
		backoff = DefaultMaxBackoffDuration
	}
	jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
	return backoff + jitter
}

// newRequest encodes body into buf and builds the POST to
// <baseURL>/chat/completions. buf must outlive the request.
func newRequest(ctx context.Context, buf *bytes.Buffer, baseURL, apiKey string, body map[string]any) (*http.Request, error) {
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return httpReq, nil
}

func (c *Client) doRequest(
	ctx context.Context,
	baseURL string,
	apiKey string,
	body map[string]any,
) (*ChatCompletionResponse, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	httpReq, err := newRequest(ctx, buf, baseURL, apiKey, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, newStatusError(httpResp.StatusCode, respBody)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

func newStatusError(statusCode int, body []byte) *APIError {
	retryable := isStatusCodeRetryable(statusCode)

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &APIError{
			Message:    errResp.Error.Message,
			StatusCode: statusCode,
			Type:       errResp.Error.Type,
			Code:       errResp.Error.Code,
			Retryable:  retryable,
		}
	}

	return &APIError{
		Message:    fmt.Sprintf("API request failed with status %d: %s", statusCode, string(body)),
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func isRateLimitError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
