// Package langchain adapts a langchaingo model to a completion function.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Options configures the client
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// Client generates completions through any llms.Model
type Client struct {
	model  llms.Model
	opts   Options
	logger *zap.Logger
}

// NewClient creates a client over langchaingo's OpenAI-compatible provider
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("langchain provider token is required")
	}

	llmOpts := []openai.Option{openai.WithToken(opts.APIKey)}
	if opts.Model != "" {
		llmOpts = append(llmOpts, openai.WithModel(opts.Model))
	}
	if opts.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(opts.BaseURL))
	}

	model, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain model: %w", err)
	}
	return NewClientFromModel(model, opts, logger), nil
}

// NewClientFromModel wraps an existing model
func NewClientFromModel(model llms.Model, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{model: model, opts: opts, logger: logger}
}

// Complete generates a reply to prompt
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	callOpts := []llms.CallOption{llms.WithTemperature(c.opts.Temperature)}
	if c.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.opts.MaxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("langchain generation error: %w", err)
	}

	c.logger.Debug("completion received",
		zap.String("provider", "langchain"),
		zap.String("model", c.opts.Model),
		zap.Duration("latency", time.Since(start)))

	return text, nil
}
