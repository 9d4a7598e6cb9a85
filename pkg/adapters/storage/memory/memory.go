package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/stepflow/pkg/domain"
)

// InMemoryJobStorage implements JobStorage using an in-memory map.
// Records are copied on the way in and out.
type InMemoryJobStorage struct {
	jobs       map[string]*domain.JobRecord
	maxRecords int
	mu         sync.RWMutex
}

// NewInMemoryJobStorage creates a new in-memory job storage.
// With maxRecords > 0 the oldest terminal records are evicted beyond the bound.
func NewInMemoryJobStorage(maxRecords int) *InMemoryJobStorage {
	return &InMemoryJobStorage{
		jobs:       make(map[string]*domain.JobRecord),
		maxRecords: maxRecords,
	}
}

// SaveJob stores a copy of job
func (s *InMemoryJobStorage) SaveJob(ctx context.Context, job *domain.JobRecord) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	s.evict()
	return nil
}

// GetJob returns a copy of the job with jobID
func (s *InMemoryJobStorage) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// ListJobs returns every job, newest submission first
func (s *InMemoryJobStorage) ListJobs(ctx context.Context) ([]*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*domain.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

// DeleteJob removes a job; deleting a missing job is not an error
func (s *InMemoryJobStorage) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, jobID)
	return nil
}

// evict drops the oldest terminal records while over the bound.
// Caller holds the lock.
func (s *InMemoryJobStorage) evict() {
	if s.maxRecords <= 0 || len(s.jobs) <= s.maxRecords {
		return
	}

	terminal := make([]*domain.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	sortNewestFirst(terminal)

	for i := len(terminal) - 1; i >= 0 && len(s.jobs) > s.maxRecords; i-- {
		delete(s.jobs, terminal[i].ID)
	}
}

func sortNewestFirst(jobs []*domain.JobRecord) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
}
