package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an event variant
type EventType string

const (
	EventTypeRunStarted       EventType = "run.started"
	EventTypePlanProposed     EventType = "plan.proposed"
	EventTypeStepStarted      EventType = "step.started"
	EventTypeApprovalRequired EventType = "approval.required"
	EventTypeApprovalResolved EventType = "approval.resolved"
	EventTypeQueryExecution   EventType = "query.execution"
	EventTypeStepCompleted    EventType = "step.completed"
	EventTypeStepFailed       EventType = "step.failed"
	EventTypeRunCompleted     EventType = "run.completed"
	EventTypeRunFailed        EventType = "run.failed"
)

// Event is one progress notification produced by a run.
// Only the fields relevant to Type are populated.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	StepName   string    `json:"step_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Context is a redacted snapshot of the run context
	Context map[string]any `json:"context,omitempty"`

	Plan     any               `json:"plan,omitempty"`
	Approval *ApprovalRequest  `json:"approval,omitempty"`
	Decision *ApprovalDecision `json:"decision,omitempty"`

	// AttemptNumber is 1-based
	AttemptNumber int           `json:"attempt_number,omitempty"`
	Attempt       *QueryAttempt `json:"attempt,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewEvent creates an event with a fresh id and UTC timestamp
func NewEvent(eventType EventType, workflowID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
	}
}

// IsTerminal reports whether the event ends a run
func (e Event) IsTerminal() bool {
	return e.Type == EventTypeRunCompleted || e.Type == EventTypeRunFailed
}
