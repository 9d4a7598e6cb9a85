package querygen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"go.uber.org/zap"
)

// Feedback messages fed into the next attempt's prompt
const (
	feedbackNoQuery       = "The response did not contain a query. Reply with a single query in a fenced code block."
	feedbackReadOnly      = "Data-changing statements are not permitted. Write a read-only query."
	feedbackValidator     = "The query ran but the result was rejected: %v. Adjust the query so the result satisfies this."
	feedbackQueryFailed   = "The query failed with: %v. Fix the query."
	feedbackNotArithmetic = "The response was neither a query nor plain arithmetic (%v)."
	feedbackCompletion    = "The previous request could not be completed (%v). Try again."
)

// Options tunes the agent
type Options struct {
	// MaxAttempts caps generation/execution tries per call
	MaxAttempts int
	// MaxExamples caps the few-shot examples placed in the prompt
	MaxExamples int
	// CalculatorFallback evaluates non-query responses as arithmetic
	CalculatorFallback bool
	// AllowWrites lets risky statements through to the connector's write policy
	AllowWrites bool
	// FetchRawRows runs a companion query for aggregate results
	FetchRawRows bool
	// RawRowLimit bounds the companion query
	RawRowLimit int
	// CompletionTimeout bounds each completion call; zero means no bound
	CompletionTimeout time.Duration
	// Validator checks every result before it is accepted
	Validator RowValidator
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        3,
		MaxExamples:        3,
		CalculatorFallback: true,
		FetchRawRows:       true,
		RawRowLimit:        20,
	}
}

// Agent turns a goal into an executed, validated query
type Agent struct {
	complete ports.CompletionFunc
	examples []Example
	opts     Options
	logger   *zap.Logger
}

// NewAgent creates an agent calling complete for every attempt
func NewAgent(complete ports.CompletionFunc, opts Options, logger *zap.Logger) *Agent {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RawRowLimit <= 0 {
		opts.RawRowLimit = DefaultOptions().RawRowLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		complete: complete,
		opts:     opts,
		logger:   logger,
	}
}

// Options returns the agent's options
func (a *Agent) Options() Options { return a.opts }

// WithExamples returns a copy of the agent using examples as few-shot prompts
func (a *Agent) WithExamples(examples ...Example) *Agent {
	cp := *a
	cp.examples = append([]Example(nil), examples...)
	return &cp
}

type callOptions struct {
	approvedWrites bool
	validator      RowValidator
}

// CallOption adjusts a single GenerateAndExecute call
type CallOption func(*callOptions)

// WithApprovedWrites marks the call as running behind a granted approval.
// Risky statements are allowed and pass a require_approval connector; a
// connector that blocks writes still blocks them.
func WithApprovedWrites() CallOption {
	return func(o *callOptions) { o.approvedWrites = true }
}

// WithValidator adds a validator for this call, run after the agent's own
func WithValidator(v RowValidator) CallOption {
	return func(o *callOptions) { o.validator = v }
}

// GenerateAndExecute produces a validated result for goal against conn.
//
// Each attempt prompts for a query, executes it and validates the rows;
// failures feed the next prompt until MaxAttempts is reached. The returned
// result holds every attempt, and is also returned alongside an error so
// callers can inspect the failed history.
func (a *Agent) GenerateAndExecute(ctx context.Context, conn ports.Connector, goal string, opts ...CallOption) (*domain.QueryExecutionResult, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}
	if conn == nil {
		return nil, domain.NewConnectorError("generate_query", errors.New("no connector"))
	}
	if a.complete == nil {
		return nil, domain.NewConnectorError("generate_query", errors.New("no completion function"))
	}

	schema, err := conn.GetSchema(ctx)
	if err != nil {
		return nil, domain.NewConnectorError("get_schema", err)
	}

	dialect := DefaultDialect
	if dp, ok := conn.(ports.DialectProvider); ok && dp.Dialect() != "" {
		dialect = dp.Dialect()
	}
	examples := a.examples
	if a.opts.MaxExamples >= 0 && len(examples) > a.opts.MaxExamples {
		examples = examples[:a.opts.MaxExamples]
	}

	result := &domain.QueryExecutionResult{Rows: []domain.Row{}}
	feedback := ""
	lastErr := ""

	for n := 1; n <= a.opts.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		prompt := buildPrompt(promptInput{
			Schema:   schema,
			Dialect:  dialect,
			Examples: examples,
			Feedback: feedback,
			Goal:     goal,
		})

		attempt, done, err := a.attempt(ctx, conn, prompt, call)
		result.Attempts = append(result.Attempts, attempt)
		if err != nil {
			return result, err
		}

		if done {
			result.QueryText = attempt.QueryText
			result.Rows = attempt.Rows
			result.RawRows = attempt.RawRows
			a.logger.Info("query generated",
				zap.Int("attempts", n),
				zap.Int("rows", len(attempt.Rows)),
				zap.Bool("calculated", attempt.QueryText == ""))
			return result, nil
		}

		a.logger.Debug("query attempt failed",
			zap.Int("attempt", n),
			zap.String("query", attempt.QueryText),
			zap.String("error", attempt.Error))
		feedback = attempt.Feedback
		lastErr = attempt.Error
	}

	return result, domain.NewConnectorError("generate_query",
		fmt.Errorf("no valid query after %d attempts: %s", a.opts.MaxAttempts, lastErr))
}

// attempt runs one try. done reports success; a non-nil error aborts the
// whole call instead of retrying.
func (a *Agent) attempt(ctx context.Context, conn ports.Connector, prompt string, call callOptions) (domain.QueryAttempt, bool, error) {
	response, err := a.completeWithTimeout(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return domain.QueryAttempt{Error: err.Error()}, false, ctx.Err()
		}
		return domain.QueryAttempt{
			Error:    fmt.Sprintf("completion failed: %v", err),
			Feedback: fmt.Sprintf(feedbackCompletion, err),
		}, false, nil
	}

	candidate := ExtractQuery(response)
	if candidate == "" {
		return domain.QueryAttempt{
			Error:    "completion contained no query text",
			Feedback: feedbackNoQuery,
		}, false, nil
	}

	if a.opts.CalculatorFallback && !LooksLikeQuery(candidate) {
		value, err := Calculate(candidate)
		if err != nil {
			return domain.QueryAttempt{
				QueryText: candidate,
				Error:     err.Error(),
				Feedback:  fmt.Sprintf(feedbackNotArithmetic, err),
			}, false, nil
		}
		return domain.QueryAttempt{Rows: []domain.Row{{"result": value}}}, true, nil
	}

	if IsRisky(candidate) {
		policy := domain.WritePolicyBlock
		if wp, ok := conn.(ports.WritePolicyProvider); ok {
			policy = wp.WritePolicy()
		}
		allowed := a.opts.AllowWrites || call.approvedWrites
		if !allowed || policy == domain.WritePolicyBlock {
			return domain.QueryAttempt{
				QueryText: candidate,
				Error:     "policy violation: data-changing statements are not allowed",
				Feedback:  feedbackReadOnly,
			}, false, nil
		}
		if policy == domain.WritePolicyRequireApproval && !call.approvedWrites {
			err := domain.NewConnectorError("run_query",
				fmt.Errorf("statement requires approval before execution: %s", candidate))
			return domain.QueryAttempt{QueryText: candidate, Error: err.Error()}, false, err
		}
	}

	rows, err := conn.RunQuery(ctx, candidate)
	if err != nil {
		if ctx.Err() != nil {
			return domain.QueryAttempt{QueryText: candidate, Error: err.Error()}, false, ctx.Err()
		}
		return domain.QueryAttempt{
			QueryText: candidate,
			Error:     err.Error(),
			Feedback:  fmt.Sprintf(feedbackQueryFailed, err),
		}, false, nil
	}
	if rows == nil {
		rows = []domain.Row{}
	}

	if err := call.validatorOr(a.opts.Validator).Validate(rows); err != nil {
		return domain.QueryAttempt{
			QueryText: candidate,
			Error:     fmt.Sprintf("validator rejected the result: %v", err),
			Feedback:  fmt.Sprintf(feedbackValidator, err),
		}, false, nil
	}

	attempt := domain.QueryAttempt{QueryText: candidate, Rows: rows}
	if a.opts.FetchRawRows && IsAggregate(candidate) {
		attempt.RawRows = a.fetchRawRows(ctx, conn, candidate)
	}
	return attempt, true, nil
}

func (c callOptions) validatorOr(base RowValidator) RowValidator {
	return AllOf(base, c.validator)
}

// fetchRawRows runs the companion query; errors only leave the sample empty
func (a *Agent) fetchRawRows(ctx context.Context, conn ports.Connector, query string) []domain.Row {
	companion := CompanionQuery(query, a.opts.RawRowLimit)
	if companion == "" {
		return nil
	}
	rows, err := conn.RunQuery(ctx, companion)
	if err != nil {
		a.logger.Debug("companion query failed",
			zap.String("query", companion),
			zap.Error(err))
		return nil
	}
	return rows
}

func (a *Agent) completeWithTimeout(ctx context.Context, prompt string) (string, error) {
	if a.opts.CompletionTimeout <= 0 {
		return a.complete(ctx, prompt)
	}
	cctx, cancel := context.WithTimeout(ctx, a.opts.CompletionTimeout)
	defer cancel()
	return a.complete(cctx, prompt)
}

// Action returns a step action running goal against the connector
// registered under connectorName in the run context
func (a *Agent) Action(connectorName, goal string, opts ...CallOption) orchestrator.Action {
	return func(ctx context.Context, rc *orchestrator.RunContext) (any, error) {
		handle, err := rc.Connector(connectorName)
		if err != nil {
			return nil, err
		}
		conn, ok := handle.(ports.Connector)
		if !ok {
			return nil, fmt.Errorf("connector %s has type %T, not a query connector", connectorName, handle)
		}
		result, err := a.GenerateAndExecute(ctx, conn, goal, opts...)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
