package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/pkg/ports"
	"go.uber.org/zap"
)

// JobSource supplies queued jobs and executes them
type JobSource interface {
	Jobs() <-chan *orchestrator.Job
	RunJob(ctx context.Context, job *orchestrator.Job) orchestrator.Outcome
}

// Pool manages a pool of worker goroutines
type Pool struct {
	size    int
	source  JobSource
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id         string
	pool       *Pool
	mu         sync.RWMutex
	status     WorkerStatus
	currentJob string
	lastJob    time.Time
	processed  int
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// WorkerInfo is a point-in-time view of one worker
type WorkerInfo struct {
	ID         string       `json:"id"`
	Status     WorkerStatus `json:"status"`
	CurrentJob string       `json:"current_job,omitempty"`
	LastJob    time.Time    `json:"last_job"`
	Processed  int          `json:"processed"`
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	source JobSource,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		source:  source,
		metrics: metrics,
		logger:  logger,
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		pool.workers[i] = &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    pool,
			status:  WorkerStatusStopped,
			lastJob: time.Now(),
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for _, w := range p.workers {
		w.setStatus(WorkerStatusIdle, "")
		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Shutdown gracefully shuts down the worker pool.
// Running jobs see their context cancelled and finish as failed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor { return p.health }

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// Workers returns a view of every worker ordered by id
func (p *Pool) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		out = append(out, WorkerInfo{
			ID:         w.id,
			Status:     w.status,
			CurrentJob: w.currentJob,
			LastJob:    w.lastJob,
			Processed:  w.processed,
		})
		w.mu.RUnlock()
	}
	return out
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	defer w.setStatus(WorkerStatusStopped, "")

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	jobs := w.pool.source.Jobs()
	for {
		select {
		case <-ctx.Done():
			w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return
		case job, ok := <-jobs:
			if !ok {
				w.pool.logger.Info("job queue closed", zap.String("worker_id", w.id))
				return
			}
			w.handleJob(ctx, job)
		}
	}
}

// handleJob executes one job to completion
func (w *worker) handleJob(ctx context.Context, job *orchestrator.Job) {
	w.setStatus(WorkerStatusBusy, job.ID)
	defer func() {
		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.currentJob = ""
		w.processed++
		w.mu.Unlock()
	}()

	w.pool.logger.Info("executing job",
		zap.String("worker_id", w.id),
		zap.String("job_id", job.ID),
		zap.String("workflow_id", job.Context.WorkflowID))

	startTime := time.Now()
	out := w.pool.source.RunJob(ctx, job)

	w.pool.logger.Info("job execution completed",
		zap.String("worker_id", w.id),
		zap.String("job_id", job.ID),
		zap.String("outcome", string(out.Kind)),
		zap.Duration("duration", time.Since(startTime)))
}

func (w *worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJob = jobID
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
}
