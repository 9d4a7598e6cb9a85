package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "stepflow:job:"

// JobStorage implements JobStorage using Redis
type JobStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewJobStorage creates a new Redis job storage. Records expire after ttl;
// zero keeps them until deleted.
func NewJobStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *JobStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveJob persists a job record
func (s *JobStorage) SaveJob(ctx context.Context, job *domain.JobRecord) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.client.Set(ctx, getJobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Debug("job saved",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))

	return nil
}

// GetJob retrieves a job record
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	data, err := s.client.Get(ctx, getJobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// ListJobs returns every stored job, newest submission first.
// Records that expire or fail to decode during the scan are skipped.
func (s *JobStorage) ListJobs(ctx context.Context) ([]*domain.JobRecord, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	jobs := make([]*domain.JobRecord, 0, len(keys))
	for _, key := range keys {
		job, err := s.GetJob(ctx, strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			if !errors.Is(err, domain.ErrJobNotFound) {
				s.logger.Warn("skipping unreadable job",
					zap.String("key", key),
					zap.Error(err))
			}
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

// DeleteJob removes a job record
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, getJobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	s.logger.Debug("job deleted", zap.String("job_id", jobID))
	return nil
}

// getJobKey returns the Redis key for a job record
func getJobKey(jobID string) string {
	return keyPrefix + jobID
}
