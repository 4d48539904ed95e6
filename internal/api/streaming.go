package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lamim/evalforge/pkg/models"
)

// ChatCompletionStreaming sends a chat completion request with streaming
// enabled and assembles the chunks into one response. Some reasoning models
// only expose reasoning_content this way.
func (c *Client) ChatCompletionStreaming(
	ctx context.Context,
	modelCfg models.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	body, err := buildRequestBody(modelCfg, messages, true)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, modelCfg, func(ctx context.Context) (*ChatCompletionResponse, error) {
		return c.doStreamingRequest(ctx, modelCfg.BaseURL, apiKey, body)
	})
}

func (c *Client) doStreamingRequest(
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
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return nil, newStatusError(httpResp.StatusCode, bodyBytes)
	}

	var responseContent strings.Builder
	var reasoningContent strings.Builder
	var responseID string
	var responseModel string
	var usage *Usage
	var finishReason string

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Failed to parse stream chunk", "error", err, "data", data)
			continue
		}

		if responseID == "" {
			responseID = chunk.ID
			responseModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			responseContent.WriteString(delta.Content)
			reasoningContent.WriteString(delta.ReasoningContent)
			if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
				finishReason = *fr
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("stream reading error: %v", err),
			Retryable: true,
		}
	}

	if reasoningContent.Len() > 0 {
		c.logger.Debug("Reasoning content detected",
			"model", responseModel,
			"reasoning_length", reasoningContent.Len(),
			"content_length", responseContent.Len())
	}

	// Usage arrives in a final chunk with no choices, when the endpoint
	// honours stream_options
	return &ChatCompletionResponse{
		ID:    responseID,
		Model: responseModel,
		Usage: usage,
		Choices: []Choice{{
			Message: Message{
				Role:             "assistant",
				Content:          responseContent.String(),
				ReasoningContent: reasoningContent.String(),
			},
			FinishReason: finishReason,
		}},
	}, nil
}
