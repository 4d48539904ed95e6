// Package runner loads models behind OpenAI-compatible endpoints, optionally
// launching a local inference server for the lifetime of the model.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/evalforge/internal/api"
	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/internal/util"
	"github.com/lamim/evalforge/pkg/models"
)

// DefaultConcurrency is used when a model does not set one
const DefaultConcurrency = 4

// APIKeyFunc resolves the API key for a base URL
type APIKeyFunc func(baseURL string) string

// OpenAIRunner implements pipeline.ModelRunner over an api.Client
type OpenAIRunner struct {
	client       *api.Client
	apiKey       APIKeyFunc
	logger       *slog.Logger
	showProgress bool
}

// NewOpenAIRunner creates a runner. apiKey may be nil for endpoints
// without auth.
func NewOpenAIRunner(client *api.Client, apiKey APIKeyFunc, logger *slog.Logger) *OpenAIRunner {
	if apiKey == nil {
		apiKey = func(string) string { return "" }
	}
	return &OpenAIRunner{
		client: client,
		apiKey: apiKey,
		logger: logger.With("component", "runner"),
	}
}

// SetShowProgress draws a progress bar for every Generate call
func (r *OpenAIRunner) SetShowProgress(show bool) {
	r.showProgress = show
}

// Load starts the model's server when it has a launch command and waits
// until the endpoint answers
func (r *OpenAIRunner) Load(ctx context.Context, cfg models.ModelConfig) (pipeline.Model, error) {
	if cfg.BaseURL == "" || cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model %s needs base_url and model_name", models.ErrConfiguration, cfg.Name)
	}
	logger := r.logger.With("model", cfg.Name)
	key := r.apiKey(cfg.BaseURL)

	var srv *server
	if cfg.Launch != nil {
		var err error
		srv, err = startServer(ctx, cfg, key, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Model{
		cfg:          cfg,
		client:       r.client,
		apiKey:       key,
		server:       srv,
		logger:       logger,
		showProgress: r.showProgress,
	}, nil
}

// Model is a loaded model. It is safe for concurrent Generate calls.
type Model struct {
	cfg          models.ModelConfig
	client       *api.Client
	apiKey       string
	server       *server
	logger       *slog.Logger
	showProgress bool

	closeOnce sync.Once
	closeErr  error
}

// Generate sends every prompt to the endpoint, at most Concurrency at a
// time, and returns the outputs in prompt order. The first failure cancels
// the remaining requests.
func (m *Model) Generate(ctx context.Context, prompts []models.Prompt) ([]string, error) {
	concurrency := m.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var bar *progressbar.ProgressBar
	if m.showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription(m.cfg.Name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
	}

	outputs := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, prompt := range prompts {
		g.Go(func() error {
			out, err := m.complete(gctx, prompt)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			outputs[i] = out
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Report the caller's cancellation rather than the request it aborted
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	m.logger.Debug("Generated outputs", "prompts", len(prompts), "concurrency", concurrency)
	return outputs, nil
}

func (m *Model) complete(ctx context.Context, prompt models.Prompt) (string, error) {
	messages := make([]api.Message, 0, 2)
	if prompt.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt.User})

	var resp *api.ChatCompletionResponse
	var err error
	if m.cfg.Streaming {
		resp, err = m.client.ChatCompletionStreaming(ctx, m.cfg, m.apiKey, messages)
	} else {
		resp, err = m.client.ChatCompletion(ctx, m.cfg, m.apiKey, messages)
	}
	if err != nil {
		return "", err
	}

	msg := resp.Choices[0].Message
	if m.cfg.StripThinking {
		return util.StripThinkTags(msg.Content), nil
	}
	return util.CombineReasoningAndContent(msg.ReasoningContent, msg.Content), nil
}

// Close stops the launched server, if any. It is safe to call more than once.
func (m *Model) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.server != nil {
			m.closeErr = m.server.stop(ctx)
		}
	})
	return m.closeErr
}
