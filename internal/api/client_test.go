package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/lamim/evalforge/pkg/models"
)

const okResponse = `{
	"id": "test-123",
	"object": "chat.completion",
	"created": 1234567890,
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "Test response", "reasoning_content": "thinking"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func testClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	c := NewClient(logger)
	c.baseRetryDelay = 1 // 1ns for fast testing
	return c
}

func TestChatCompletion_Success(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header 'Bearer test-key', got '%s'", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type 'application/json', got '%s'", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	modelCfg := models.ModelConfig{
		Name:               "llama",
		BaseURL:            server.URL + "/v1/",
		ModelName:          "test-model",
		Temperature:        0.7,
		TopP:               1.0,
		MaxOutputTokens:    100,
		RateLimitPerMinute: 60,
		UseJSONMode:        true,
		GenerationArgs:     map[string]any{"top_k": 40, "seed": 7},
	}

	resp, err := testClient().ChatCompletion(context.Background(), modelCfg, "test-key",
		[]Message{{Role: "user", Content: "Test message"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("Expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "Test response" {
		t.Errorf("Expected content 'Test response', got '%s'", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].Message.ReasoningContent != "thinking" {
		t.Errorf("Expected reasoning 'thinking', got '%s'", resp.Choices[0].Message.ReasoningContent)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected usage to be decoded, got %+v", resp.Usage)
	}

	if got["model"] != "test-model" {
		t.Errorf("Expected model 'test-model' in request, got %v", got["model"])
	}
	if got["top_k"] != float64(40) || got["seed"] != float64(7) {
		t.Errorf("Expected generation args to pass through, got %v", got)
	}
	if rf, ok := got["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("Expected json_object response format, got %v", got["response_format"])
	}
	if _, ok := got["stream"]; ok {
		t.Error("Expected no stream flag on a plain request")
	}
}

func TestChatCompletion_RateLimiting(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client := testClient()
	client.SetProviderRateLimits(map[string]int{server.URL: 600})

	modelCfg := models.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 60, // 1 per second, burst 5
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.ChatCompletion(ctx, modelCfg, "test", []Message{{Role: "user", Content: "test"}}); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}

	if callCount.Load() != 3 {
		t.Errorf("Expected 3 API calls, got %d", callCount.Load())
	}
}

func TestChatCompletion_RetryOn500(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "Server error"}}`))
			return
		}
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client := testClient()
	client.maxRetries = 3

	modelCfg := models.ModelConfig{BaseURL: server.URL, ModelName: "test", RateLimitPerMinute: 1000}
	resp, err := client.ChatCompletion(context.Background(), modelCfg, "test", []Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("Expected success after retries, got error: %v", err)
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attemptCount.Load())
	}
	if resp.Choices[0].Message.Content != "Test response" {
		t.Errorf("Expected 'Test response', got '%s'", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_NoRetryOnClientError(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	modelCfg := models.ModelConfig{BaseURL: server.URL, ModelName: "test", MaxRetries: 5}
	_, err := testClient().ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "test"}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "bad model" || apiErr.Type != "invalid_request_error" {
		t.Errorf("Unexpected API error: %+v", apiErr)
	}
	if attemptCount.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", attemptCount.Load())
	}
}

func TestChatCompletion_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	modelCfg := models.ModelConfig{BaseURL: server.URL, ModelName: "test", MaxRetries: 2}
	_, err := testClient().ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "test"}})
	if err == nil {
		t.Fatal("Expected error after retries are exhausted")
	}
	if !isRetryable(errors.Unwrap(err)) {
		t.Errorf("Expected the last error to be retryable, got %v", err)
	}
}

func TestChatCompletion_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	modelCfg := models.ModelConfig{BaseURL: server.URL, ModelName: "test", MaxRetries: -1}
	_, err := testClient().ChatCompletion(ctx, modelCfg, "", []Message{{Role: "user", Content: "test"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("Expected stream=true in request, got %v", body["stream"])
		}
		if opts, ok := body["stream_options"].(map[string]any); !ok || opts["include_usage"] != true {
			t.Errorf("Expected usage to be requested, got %v", body["stream_options"])
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Expected SSE accept header, got %q", r.Header.Get("Accept"))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"s1","model":"m","created":1,"choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"add "}}]}`,
			`{"id":"s1","model":"m","created":1,"choices":[{"index":0,"delta":{"reasoning_content":"them"}}]}`,
			`not json`,
			`{"id":"s1","model":"m","created":1,"choices":[{"index":0,"delta":{"content":"4"}}]}`,
			`{"id":"s1","model":"m","created":1,"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"s1","model":"m","created":1,"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	modelCfg := models.ModelConfig{BaseURL: server.URL, ModelName: "m", Streaming: true}
	resp, err := testClient().ChatCompletionStreaming(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "2+2?"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	msg := resp.Choices[0].Message
	if msg.Content != "4" {
		t.Errorf("Expected content '4', got %q", msg.Content)
	}
	if msg.ReasoningContent != "add them" {
		t.Errorf("Expected reasoning 'add them', got %q", msg.ReasoningContent)
	}
	if resp.ID != "s1" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("Unexpected response metadata: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.CompletionTokens != 4 {
		t.Errorf("Expected usage from the final chunk, got %+v", resp.Usage)
	}
}

func TestProviderName(t *testing.T) {
	tests := map[string]string{
		"https://api.openai.com/v1":           "openai",
		"https://integrate.api.nvidia.com/v1": "nvidia",
		"https://api.together.xyz/v1":         "together",
		"https://openrouter.ai/api/v1":        "openrouter",
		"http://localhost:8000/v1":            "http://localhost:8000/v1",
	}
	for url, want := range tests {
		if got := ProviderName(url); got != want {
			t.Errorf("ProviderName(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestRateLimiterPool_KeepsFirstRate(t *testing.T) {
	pool := NewRateLimiterPool()
	first := pool.GetOrCreate("m", 60)
	second := pool.GetOrCreate("m", 120)
	if first != second {
		t.Error("Expected the existing limiter to be reused")
	}

	unlimited := pool.GetOrCreate("local", 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("Expected a zero rate to mean unlimited")
		}
	}
}
