package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/querygen"
	"github.com/aescanero/stepflow/internal/config"
	"github.com/aescanero/stepflow/pkg/adapters/decision"
	"github.com/aescanero/stepflow/pkg/adapters/llm"
	"github.com/aescanero/stepflow/pkg/ports"
	"go.uber.org/zap"
)

// newAgent builds the query agent for the configured provider
func newAgent(cfg *config.Config, logger *zap.Logger) (*querygen.Agent, error) {
	complete, err := llm.NewCompletionFunc(&llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.DefaultModel,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.DefaultTemperature,
		MaxTokens:   int64(cfg.LLM.DefaultMaxTokens),
		Timeout:     cfg.LLM.RequestTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	return querygen.NewAgent(complete, agentOptions(cfg), logger), nil
}

// offlineAgent builds an agent that refuses to generate; plans load but
// query steps fail when run
func offlineAgent(cfg *config.Config, reason error, logger *zap.Logger) *querygen.Agent {
	complete := func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("no completion provider: %w", reason)
	}
	return querygen.NewAgent(complete, agentOptions(cfg), logger)
}

func agentOptions(cfg *config.Config) querygen.Options {
	return querygen.Options{
		MaxAttempts:        cfg.Query.MaxAttempts,
		MaxExamples:        cfg.Query.MaxExamples,
		CalculatorFallback: cfg.Query.CalculatorFallback,
		AllowWrites:        cfg.Query.AllowWrites,
		FetchRawRows:       cfg.Query.FetchRawRows,
		RawRowLimit:        cfg.Query.RawRowLimit,
		CompletionTimeout:  cfg.Query.CompletionTimeout,
	}
}

func newPolicy(cfg *config.Config, logger *zap.Logger) *orchestrator.ApprovalPolicy {
	return orchestrator.NewApprovalPolicy(
		orchestrator.WithEnforcedTags(cfg.Runner.EnforcedTags...),
		orchestrator.WithMaxAuditRecords(cfg.Runner.MaxAuditRecords),
		orchestrator.WithPolicyLogger(logger),
	)
}

// approvalSource is the decision source selected by configuration.
// queue is set when decisions can be resolved through the API.
type approvalSource struct {
	source ports.DecisionSource
	queue  *decision.Queue
	stop   func()
}

func newApprovalSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*approvalSource, error) {
	actor := cfg.Approval.Actor

	switch cfg.Approval.Source {
	case config.ApprovalSourceAuto:
		if actor == "" {
			actor = "auto"
		}
		if cfg.Approval.AutoApprove {
			return &approvalSource{source: decision.AutoApprove(actor), stop: func() {}}, nil
		}
		return &approvalSource{source: decision.AutoDeny(actor, "automatic denial"), stop: func() {}}, nil

	case config.ApprovalSourceConsole:
		console, err := decision.NewStdConsole(actor)
		if err != nil {
			return nil, fmt.Errorf("failed to create console approval source: %w", err)
		}
		return &approvalSource{source: console, stop: func() {}}, nil

	case config.ApprovalSourceTelegram:
		bot, err := decision.NewTelegramBot(cfg.Approval.TelegramToken)
		if err != nil {
			return nil, err
		}
		tg := decision.NewTelegram(bot, cfg.Approval.TelegramChatID, logger)
		tg.Start(ctx)
		return &approvalSource{source: tg, queue: tg.Queue, stop: tg.Stop}, nil

	case config.ApprovalSourceQueue:
		q := decision.NewQueue(logger)
		return &approvalSource{source: q, queue: q, stop: func() {}}, nil
	}

	return nil, errors.New("unknown approval source: " + cfg.Approval.Source)
}
