package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the job queue cannot accept another run
var ErrQueueFull = errors.New("job queue is full")

// Job is a submitted run waiting for a worker
type Job struct {
	ID      string
	Graph   *StepGraph
	Context *RunContext

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Done is closed once the job reaches a terminal status
func (j *Job) Done() <-chan struct{} { return j.done }

// Manager coordinates run submission and job status for hosts
type Manager struct {
	runner    *Runner
	storage   ports.JobStorage
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	queue chan *Job

	// Track active jobs
	jobs   sync.Map // map[string]*Job
	active atomic.Int64

	runTimeout time.Duration
}

// NewManager creates a new orchestrator manager
func NewManager(
	runner *Runner,
	storage ports.JobStorage,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	queueSize int,
	runTimeout time.Duration,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if validator == nil {
		validator = NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Manager{
		runner:     runner,
		storage:    storage,
		metrics:    metrics,
		validator:  validator,
		logger:     logger,
		queue:      make(chan *Job, queueSize),
		runTimeout: runTimeout,
	}
}

// Runner returns the runner executing jobs
func (m *Manager) Runner() *Runner { return m.runner }

// Jobs is the queue workers consume
func (m *Manager) Jobs() <-chan *Job { return m.queue }

// SubmitRun validates and enqueues a run, returning the job id
func (m *Manager) SubmitRun(ctx context.Context, g *StepGraph, rc *RunContext) (string, error) {
	if err := m.validator.Validate(g); err != nil {
		m.logger.Error("graph validation failed", zap.Error(err))
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if rc == nil {
		rc = NewRunContext("", nil)
	}

	record := &domain.JobRecord{
		ID:          uuid.NewString(),
		WorkflowID:  rc.WorkflowID,
		Status:      domain.JobStatusPending,
		Steps:       g.Len(),
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.storage.SaveJob(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	base := context.Background()
	var jobCtx context.Context
	var cancel context.CancelFunc
	if m.runTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(base, m.runTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(base)
	}

	job := &Job{
		ID:      record.ID,
		Graph:   g,
		Context: rc,
		ctx:     jobCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.jobs.Store(job.ID, job)
	select {
	case m.queue <- job:
	default:
		m.jobs.Delete(job.ID)
		cancel()
		record.Status = domain.JobStatusFailed
		record.Error = ErrQueueFull.Error()
		now := time.Now().UTC()
		record.CompletedAt = &now
		if err := m.storage.SaveJob(ctx, record); err != nil {
			m.logger.Error("failed to save rejected job",
				zap.String("job_id", record.ID),
				zap.Error(err))
		}
		return "", ErrQueueFull
	}

	m.logger.Info("run submitted",
		zap.String("job_id", job.ID),
		zap.String("workflow_id", rc.WorkflowID),
		zap.Int("steps", g.Len()))

	return job.ID, nil
}

// GetJob retrieves the current record of a job
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	record, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return record, nil
}

// ListJobs returns every stored job record
func (m *Manager) ListJobs(ctx context.Context) ([]*domain.JobRecord, error) {
	records, err := m.storage.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return records, nil
}

// Done returns a channel closed when the job finishes. Jobs no longer
// tracked, finished or unknown, yield an already closed channel.
func (m *Manager) Done(jobID string) <-chan struct{} {
	if val, ok := m.jobs.Load(jobID); ok {
		return val.(*Job).Done()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// CancelRun cancels a queued or running job
func (m *Manager) CancelRun(ctx context.Context, jobID string) error {
	val, ok := m.jobs.Load(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	job := val.(*Job)

	record, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("job already in terminal state: %s", record.Status)
	}

	job.cancelled.Store(true)
	job.cancel()

	m.logger.Info("run cancellation requested",
		zap.String("job_id", jobID),
		zap.String("workflow_id", record.WorkflowID))
	return nil
}

// RunJob executes job, keeping its record in step with the event stream.
// The worker context aborts the run as well as the job's own context.
func (m *Manager) RunJob(workerCtx context.Context, job *Job) Outcome {
	defer close(job.done)
	defer m.jobs.Delete(job.ID)
	defer job.cancel()

	ctx, stop := context.WithCancel(job.ctx)
	defer stop()
	go func() {
		select {
		case <-workerCtx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	record, err := m.storage.GetJob(ctx, job.ID)
	if err != nil {
		m.logger.Error("failed to load job",
			zap.String("job_id", job.ID),
			zap.Error(err))
		record = &domain.JobRecord{
			ID:          job.ID,
			WorkflowID:  job.Context.WorkflowID,
			Steps:       job.Graph.Len(),
			SubmittedAt: time.Now().UTC(),
		}
	}

	if job.cancelled.Load() || ctx.Err() != nil {
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		out := Outcome{Kind: OutcomeFailed, WorkflowID: record.WorkflowID, Err: cause}
		m.finish(record, out, job)
		return out
	}

	now := time.Now().UTC()
	record.Status = domain.JobStatusRunning
	record.StartedAt = &now
	m.save(record)

	m.metrics.SetActiveRuns(int(m.active.Add(1)))
	defer func() { m.metrics.SetActiveRuns(int(m.active.Add(-1))) }()

	out := m.runner.Execute(ctx, job.Graph, job.Context, func(ev domain.Event) error {
		if m.apply(record, ev) {
			m.save(record)
		}
		return nil
	})

	m.finish(record, out, job)
	return out
}

// apply folds one event into record, reporting whether it changed
func (m *Manager) apply(record *domain.JobRecord, ev domain.Event) bool {
	switch ev.Type {
	case domain.EventTypeStepStarted:
		record.CurrentStep = ev.StepID
	case domain.EventTypeApprovalRequired:
		record.Status = domain.JobStatusWaitingForApproval
		record.CurrentStep = ev.StepID
	case domain.EventTypeApprovalResolved:
		record.Status = domain.JobStatusRunning
	case domain.EventTypeStepCompleted:
		record.Completed = append(record.Completed, ev.StepID)
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed:
		record.Context = ev.Context
		return false
	default:
		return false
	}
	return true
}

func (m *Manager) finish(record *domain.JobRecord, out Outcome, job *Job) {
	now := time.Now().UTC()
	record.CompletedAt = &now
	record.CurrentStep = ""

	switch {
	case out.Succeeded():
		record.Status = domain.JobStatusCompleted
	case job.cancelled.Load():
		record.Status = domain.JobStatusCancelled
		record.Error = "run cancelled"
		record.FailedStep = out.StepID
	default:
		record.Status = domain.JobStatusFailed
		record.FailedStep = out.StepID
		if out.Err != nil {
			record.Error = out.Err.Error()
		}
	}
	m.save(record)

	m.logger.Info("job finished",
		zap.String("job_id", record.ID),
		zap.String("workflow_id", record.WorkflowID),
		zap.String("status", string(record.Status)),
		zap.String("failed_step", record.FailedStep))
}

func (m *Manager) save(record *domain.JobRecord) {
	if err := m.storage.SaveJob(context.Background(), record.Clone()); err != nil {
		m.logger.Error("failed to save job",
			zap.String("job_id", record.ID),
			zap.Error(err))
	}
}

// Shutdown cancels every queued and running job
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.jobs.Range(func(key, value any) bool {
		job := value.(*Job)
		job.cancelled.Store(true)
		job.cancel()
		return true
	})

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}
