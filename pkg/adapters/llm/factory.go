package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/stepflow/pkg/adapters/llm/anthropic"
	"github.com/aescanero/stepflow/pkg/adapters/llm/langchain"
	"github.com/aescanero/stepflow/pkg/adapters/llm/openai"
	"github.com/aescanero/stepflow/pkg/ports"
	"go.uber.org/zap"
)

// Config holds completion provider configuration
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	Logger      *zap.Logger
}

// NewCompletionFunc creates a completion function for the configured provider
func NewCompletionFunc(cfg *Config) (ports.CompletionFunc, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		c, err := anthropic.NewClient(anthropic.Options{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c.Complete, nil
	case "openai":
		c, err := openai.NewClient(openai.Options{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c.Complete, nil
	case "langchain":
		c, err := langchain.NewClient(langchain.Options{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   int(cfg.MaxTokens),
		}, logger)
		if err != nil {
			return nil, err
		}
		return c.Complete, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
