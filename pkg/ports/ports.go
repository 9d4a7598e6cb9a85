// Package ports defines the narrow capabilities the engine consumes.
//
// Adapters under pkg/adapters implement these interfaces; the engine and
// the query agent depend only on them.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
)

// Connector executes structured queries against one data source
type Connector interface {
	GetSchema(ctx context.Context) (string, error)
	RunQuery(ctx context.Context, query string, params ...any) ([]domain.Row, error)
}

// DialectProvider is implemented by connectors that name their query dialect
type DialectProvider interface {
	Dialect() string
}

// WritePolicyProvider is implemented by connectors with a write policy.
// Connectors without one are treated as domain.WritePolicyBlock.
type WritePolicyProvider interface {
	WritePolicy() domain.WritePolicy
}

// CompletionFunc maps a prompt to a completion
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// DecisionSource resolves a pending approval request.
// Implementations may block until a human answers; they must honour ctx.
type DecisionSource interface {
	Decide(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error)
}

// DecisionFunc adapts a function to DecisionSource
type DecisionFunc func(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error)

// Decide calls f
func (f DecisionFunc) Decide(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error) {
	return f(ctx, req)
}

// EventHandler consumes one event from the bus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus fans run events out to subscribers
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// JobStorage persists job records for hosts that poll run status
type JobStorage interface {
	SaveJob(ctx context.Context, job *domain.JobRecord) error
	GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ListJobs(ctx context.Context) ([]*domain.JobRecord, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// MetricsCollector records operational counters for runs
type MetricsCollector interface {
	IncStepsStarted(stepID string)
	IncStepFailures(stepID, errorKind string)
	IncApprovalsEvaluated(approvalType string, approved bool)
	IncQueryAttempts(status string)
	ObserveStepDuration(stepID string, duration time.Duration)
	RecordRunCompleted(status string, duration time.Duration)
	SetActiveRuns(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// NopMetrics discards all metrics
type NopMetrics struct{}

func (NopMetrics) IncStepsStarted(string)                    {}
func (NopMetrics) IncStepFailures(string, string)            {}
func (NopMetrics) IncApprovalsEvaluated(string, bool)        {}
func (NopMetrics) IncQueryAttempts(string)                   {}
func (NopMetrics) ObserveStepDuration(string, time.Duration) {}
func (NopMetrics) RecordRunCompleted(string, time.Duration)  {}
func (NopMetrics) SetActiveRuns(int)                         {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)      {}
