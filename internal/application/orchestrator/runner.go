package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultEventTopic is the bus topic run events are published on
const DefaultEventTopic = "run.events"

// OutcomeKind tags how a run ended
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeDenied    OutcomeKind = "denied"
)

// Outcome is the terminal result of a run.
// StepID is set when a specific step failed or was denied; Request and
// Decision are set only for denials.
type Outcome struct {
	Kind       OutcomeKind
	WorkflowID string
	StepID     string
	Err        error
	Request    *domain.ApprovalRequest
	Decision   *domain.ApprovalDecision
	Duration   time.Duration
}

// Succeeded reports whether every step completed
func (o Outcome) Succeeded() bool { return o.Kind == OutcomeCompleted }

// EmitFunc receives events in order. Returning an error aborts the run.
type EmitFunc func(domain.Event) error

// Runner drives a StepGraph against a RunContext.
//
// Steps run strictly one at a time in dependency order. For each step the
// events are StepStarted, PlanProposed (if the step carries a plan),
// ApprovalRequired and ApprovalResolved (if gated), one QueryExecution per
// recorded attempt, then StepCompleted or StepFailed. A failed step or a
// denied approval ends the run; no further step is started.
type Runner struct {
	policy    *ApprovalPolicy
	decisions ports.DecisionSource
	metrics   ports.MetricsCollector
	sink      ports.EventBus
	topic     string
	logger    *zap.Logger

	bufferSize      int
	approvalTimeout time.Duration
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithMetrics sets the metrics collector
func WithMetrics(m ports.MetricsCollector) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithEventSink publishes every event to bus on topic as well as the stream
func WithEventSink(bus ports.EventBus, topic string) RunnerOption {
	return func(r *Runner) {
		r.sink = bus
		if topic != "" {
			r.topic = topic
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithEventBufferSize sets the capacity of the event channel returned by Run
func WithEventBufferSize(n int) RunnerOption {
	return func(r *Runner) { r.bufferSize = n }
}

// WithApprovalTimeout bounds how long a single approval may stay unresolved.
// Zero waits as long as the run context allows.
func WithApprovalTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.approvalTimeout = d }
}

// NewRunner creates a runner resolving approvals through policy and decisions
func NewRunner(policy *ApprovalPolicy, decisions ports.DecisionSource, opts ...RunnerOption) *Runner {
	r := &Runner{
		policy:     policy,
		decisions:  decisions,
		metrics:    ports.NopMetrics{},
		topic:      DefaultEventTopic,
		logger:     zap.NewNop(),
		bufferSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		r.policy = NewApprovalPolicy(WithPolicyLogger(r.logger))
	}
	if r.metrics == nil {
		r.metrics = ports.NopMetrics{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Policy returns the approval policy owning the audit trail
func (r *Runner) Policy() *ApprovalPolicy { return r.policy }

// Run starts the run in a goroutine. Events are delivered in order on the
// first channel, which is closed after the last event; the outcome is sent
// on the second channel before the event channel closes. The runner blocks
// while the event channel is full, so callers must drain it.
func (r *Runner) Run(ctx context.Context, g *StepGraph, rc *RunContext) (<-chan domain.Event, <-chan Outcome) {
	events := make(chan domain.Event, r.bufferSize)
	outcome := make(chan Outcome, 1)

	go func() {
		out := r.Execute(ctx, g, rc, func(ev domain.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		outcome <- out
		close(outcome)
		close(events)
	}()

	return events, outcome
}

// Execute runs the graph synchronously, passing each event to emit
func (r *Runner) Execute(ctx context.Context, g *StepGraph, rc *RunContext, emit EmitFunc) Outcome {
	if rc == nil {
		rc = NewRunContext("", nil)
	}
	if emit == nil {
		emit = func(domain.Event) error { return nil }
	}

	start := time.Now()
	out := r.execute(ctx, g, rc, emit)
	out.WorkflowID = rc.WorkflowID
	out.Duration = time.Since(start)

	r.metrics.RecordRunCompleted(string(out.Kind), out.Duration)
	if out.Err != nil {
		r.logger.Warn("run finished without completing",
			zap.String("workflow_id", rc.WorkflowID),
			zap.String("outcome", string(out.Kind)),
			zap.String("step_id", out.StepID),
			zap.Error(out.Err))
	} else {
		r.logger.Info("run completed",
			zap.String("workflow_id", rc.WorkflowID),
			zap.Int("steps", g.Len()),
			zap.Duration("duration", out.Duration))
	}
	return out
}

func (r *Runner) execute(ctx context.Context, g *StepGraph, rc *RunContext, emit EmitFunc) Outcome {
	if g == nil {
		return r.fail(ctx, rc, "", fmt.Errorf("graph is nil"), emit)
	}
	if err := g.ValidateAcyclic(); err != nil {
		return r.fail(ctx, rc, "", err, emit)
	}

	started := domain.NewEvent(domain.EventTypeRunStarted, rc.WorkflowID)
	started.Context = Redact(rc.Snapshot())
	if err := r.emit(ctx, emit, started); err != nil {
		return r.fail(ctx, rc, "", err, emit)
	}

	r.logger.Info("run started",
		zap.String("workflow_id", rc.WorkflowID),
		zap.Int("steps", g.Len()))

	completed := NewStepSet()
	for len(completed) < g.Len() {
		ready := g.ReadySteps(completed)
		if len(ready) == 0 {
			return r.fail(ctx, rc, "", &OrchestrationError{Reason: "no executable steps"}, emit)
		}

		for _, step := range ready {
			if err := ctx.Err(); err != nil {
				return r.fail(ctx, rc, step.ID, err, emit)
			}
			if err := r.runStep(ctx, step, rc, emit); err != nil {
				return r.fail(ctx, rc, step.ID, err, emit)
			}
			completed.Add(step.ID)
		}
	}

	done := domain.NewEvent(domain.EventTypeRunCompleted, rc.WorkflowID)
	done.Context = Redact(rc.Snapshot())
	if err := r.emit(ctx, emit, done); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	return Outcome{Kind: OutcomeCompleted}
}

// runStep executes one step. Events emitted here always belong to step.
func (r *Runner) runStep(ctx context.Context, step Step, rc *RunContext, emit EmitFunc) error {
	stepStart := time.Now()
	newEvent := func(t domain.EventType) domain.Event {
		ev := domain.NewEvent(t, rc.WorkflowID)
		ev.StepID = step.ID
		ev.StepName = step.Name
		return ev
	}

	r.metrics.IncStepsStarted(step.ID)
	if err := r.emit(ctx, emit, newEvent(domain.EventTypeStepStarted)); err != nil {
		return err
	}

	if plan, ok := step.PlanArtifact(); ok {
		ev := newEvent(domain.EventTypePlanProposed)
		ev.Plan = plan
		if err := r.emit(ctx, emit, ev); err != nil {
			return err
		}
	}

	if step.ApprovalType != domain.ApprovalTypeNone {
		if err := r.gate(ctx, step, rc, emit, newEvent); err != nil {
			return err
		}
	}

	result, err := r.invoke(ctx, step, rc)
	r.metrics.ObserveStepDuration(step.ID, time.Since(stepStart))
	if err != nil {
		r.metrics.IncStepFailures(step.ID, ErrorKind(err))
		r.logger.Error("step failed",
			zap.String("workflow_id", rc.WorkflowID),
			zap.String("step_id", step.ID),
			zap.Error(err))

		ev := newEvent(domain.EventTypeStepFailed)
		ev.Error = err.Error()
		if emitErr := r.emit(ctx, emit, ev); emitErr != nil {
			return errors.Join(err, emitErr)
		}
		return err
	}

	rc.SetArtifact(step.ID, result)

	if qr := asQueryResult(result); qr != nil {
		for i := range qr.Attempts {
			attempt := qr.Attempts[i]
			status := "success"
			if !attempt.Succeeded() {
				status = "error"
			}
			r.metrics.IncQueryAttempts(status)

			ev := newEvent(domain.EventTypeQueryExecution)
			ev.AttemptNumber = i + 1
			ev.Attempt = &attempt
			if err := r.emit(ctx, emit, ev); err != nil {
				return err
			}
		}
	}

	ev := newEvent(domain.EventTypeStepCompleted)
	ev.Result = result
	if err := r.emit(ctx, emit, ev); err != nil {
		return err
	}

	r.logger.Info("step completed",
		zap.String("workflow_id", rc.WorkflowID),
		zap.String("step_id", step.ID),
		zap.Duration("duration", time.Since(stepStart)))
	return nil
}

// gate resolves the approval for step, returning ApprovalDeniedError on denial
func (r *Runner) gate(ctx context.Context, step Step, rc *RunContext, emit EmitFunc, newEvent func(domain.EventType) domain.Event) error {
	req := domain.ApprovalRequest{
		ID:           uuid.NewString(),
		WorkflowID:   rc.WorkflowID,
		StepID:       step.ID,
		StepName:     step.Name,
		ApprovalType: step.ApprovalType,
		Summary:      step.Summary,
		PolicyTags:   domain.MergeTags(step.ApprovalType.PolicyTags(), step.ExplicitPolicyTags()),
	}

	required := newEvent(domain.EventTypeApprovalRequired)
	required.Approval = &req
	if err := r.emit(ctx, emit, required); err != nil {
		return err
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if r.approvalTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, r.approvalTimeout)
	}
	decision, err := r.policy.Evaluate(actx, req, r.decisions)
	cancel()
	if err != nil {
		r.metrics.IncStepFailures(step.ID, ErrorKind(err))
		failed := newEvent(domain.EventTypeStepFailed)
		failed.Error = err.Error()
		if emitErr := r.emit(ctx, emit, failed); emitErr != nil {
			return errors.Join(err, emitErr)
		}
		return err
	}
	r.metrics.IncApprovalsEvaluated(string(req.ApprovalType), decision.Approved)

	resolved := newEvent(domain.EventTypeApprovalResolved)
	resolved.Approval = &req
	resolved.Decision = &decision
	if err := r.emit(ctx, emit, resolved); err != nil {
		return err
	}

	if !decision.Approved {
		r.metrics.IncStepFailures(step.ID, ErrorKindApprovalDenied)
		return &ApprovalDeniedError{Request: req, Decision: decision}
	}
	return nil
}

// invoke calls the step action, converting a panic into an error
func (r *Runner) invoke(ctx context.Context, step Step, rc *RunContext) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, p)
		}
	}()
	return step.Action(ctx, rc)
}

// emit hands ev to the in-process stream as is; the copy published to the
// sink has its payloads redacted
func (r *Runner) emit(ctx context.Context, emit EmitFunc, ev domain.Event) error {
	if err := emit(ev); err != nil {
		return err
	}
	if r.sink != nil {
		if err := r.sink.Publish(ctx, r.topic, redactEvent(ev)); err != nil {
			r.logger.Error("failed to publish event",
				zap.String("workflow_id", ev.WorkflowID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// fail emits RunFailed (best effort) and builds the outcome for err
func (r *Runner) fail(ctx context.Context, rc *RunContext, stepID string, err error, emit EmitFunc) Outcome {
	out := Outcome{Kind: OutcomeFailed, StepID: stepID, Err: err}

	var denied *ApprovalDeniedError
	if errors.As(err, &denied) {
		out.Kind = OutcomeDenied
		req, decision := denied.Request, denied.Decision
		out.Request = &req
		out.Decision = &decision
	}

	ev := domain.NewEvent(domain.EventTypeRunFailed, rc.WorkflowID)
	ev.StepID = stepID
	ev.Error = err.Error()
	ev.Context = Redact(rc.Snapshot())
	if ctx.Err() == nil {
		_ = r.emit(ctx, emit, ev)
	}
	return out
}

func asQueryResult(v any) *domain.QueryExecutionResult {
	switch t := v.(type) {
	case *domain.QueryExecutionResult:
		return t
	case domain.QueryExecutionResult:
		return &t
	default:
		return nil
	}
}
