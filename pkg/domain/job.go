package domain

import (
	"errors"
	"time"
)

// JobStatus is the host-facing status of a submitted run
type JobStatus string

const (
	JobStatusPending            JobStatus = "pending"
	JobStatusRunning            JobStatus = "running"
	JobStatusWaitingForApproval JobStatus = "waiting_for_approval"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCancelled          JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobRecord tracks one submitted run for status polling
type JobRecord struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      JobStatus      `json:"status"`
	CurrentStep string         `json:"current_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty"`
	Steps       int            `json:"steps"`
	Completed   []string       `json:"completed,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ErrJobNotFound is returned by job storage when no record has the id
var ErrJobNotFound = errors.New("job not found")

// Clone returns a copy safe to hand to another goroutine.
// The context snapshot is shared; it is never mutated after being set.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Completed = append([]string(nil), j.Completed...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
