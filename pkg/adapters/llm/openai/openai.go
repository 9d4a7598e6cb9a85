// Package openai adapts OpenAI Chat Completions to a completion function.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// DefaultModel is used when no model is configured
const DefaultModel = openai.ChatModelGPT4oMini

// Options configures the client
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// Client sends single-prompt completions to an OpenAI-compatible endpoint
type Client struct {
	client *openai.Client
	opts   Options
	logger *zap.Logger
}

// NewClient creates a new OpenAI client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, errors.New("openai API key is required")
	}
	if opts.Model == "" {
		opts.Model = string(DefaultModel)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.Timeout))
	}

	client := openai.NewClient(clientOpts...)

	return &Client{
		client: &client,
		opts:   opts,
		logger: logger,
	}, nil
}

// Complete sends prompt as a single user message and returns the reply
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:               openai.ChatModel(c.opts.Model),
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}

	c.logger.Debug("completion received",
		zap.String("provider", "openai"),
		zap.String("model", c.opts.Model),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)))

	return resp.Choices[0].Message.Content, nil
}
