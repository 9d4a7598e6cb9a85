package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	jobs chan *orchestrator.Job

	mu      sync.Mutex
	ran     []string
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{jobs: make(chan *orchestrator.Job, 8)}
}

func (f *fakeSource) Jobs() <-chan *orchestrator.Job { return f.jobs }

func (f *fakeSource) RunJob(ctx context.Context, job *orchestrator.Job) orchestrator.Outcome {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return orchestrator.Outcome{Kind: orchestrator.OutcomeFailed, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	f.ran = append(f.ran, job.ID)
	f.mu.Unlock()
	return orchestrator.Outcome{Kind: orchestrator.OutcomeCompleted}
}

func (f *fakeSource) ranJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func newJob(id string) *orchestrator.Job {
	return &orchestrator.Job{ID: id, Context: orchestrator.NewRunContext("wf-"+id, nil)}
}

func TestPool_ProcessesJobs(t *testing.T) {
	source := newFakeSource()
	pool := NewPool(2, source, nil, nil, time.Hour)
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	for _, id := range []string{"j1", "j2", "j3"} {
		source.jobs <- newJob(id)
	}

	require.Eventually(t, func() bool {
		return len(source.ranJobs()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"j1", "j2", "j3"}, source.ranJobs())

	require.Eventually(t, func() bool {
		processed := 0
		for _, w := range pool.Workers() {
			processed += w.Processed
		}
		return processed == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_WorkerStatus(t *testing.T) {
	source := newFakeSource()
	source.release = make(chan struct{})
	pool := NewPool(2, source, nil, nil, time.Hour)

	for _, status := range pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, status)
	}
	assert.False(t, pool.Health().IsHealthy())

	require.NoError(t, pool.Start())
	assert.True(t, pool.Health().IsHealthy())

	source.jobs <- newJob("slow")
	require.Eventually(t, func() bool {
		return pool.Health().GetStatus().BusyWorkers == 1
	}, 2*time.Second, 10*time.Millisecond)

	var current []string
	for _, w := range pool.Workers() {
		if w.Status == WorkerStatusBusy {
			current = append(current, w.CurrentJob)
		}
	}
	assert.Equal(t, []string{"slow"}, current)
	assert.True(t, pool.Health().IsHealthy(), "busy workers count as healthy")

	close(source.release)
	require.Eventually(t, func() bool {
		return pool.Health().GetStatus().IdleWorkers == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
	status := pool.Health().GetStatus()
	assert.Equal(t, 2, status.StoppedWorkers)
	assert.False(t, status.Healthy)
}

func TestPool_ShutdownCancelsRunningJob(t *testing.T) {
	source := newFakeSource()
	source.release = make(chan struct{})
	pool := NewPool(1, source, nil, nil, time.Hour)
	require.NoError(t, pool.Start())

	source.jobs <- newJob("stuck")
	require.Eventually(t, func() bool {
		return pool.Health().GetStatus().BusyWorkers == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.Empty(t, source.ranJobs())
}

func TestPool_ClosedQueueStopsWorkers(t *testing.T) {
	source := newFakeSource()
	pool := NewPool(3, source, nil, nil, time.Hour)
	require.NoError(t, pool.Start())

	close(source.jobs)
	require.Eventually(t, func() bool {
		return pool.Health().GetStatus().StoppedWorkers == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(0, newFakeSource(), nil, nil, 0)
	assert.Len(t, pool.Workers(), 1)
	assert.Equal(t, 30*time.Second, pool.Health().interval)
	assert.Equal(t, "worker-0", pool.Workers()[0].ID)
}
