package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wuni1/InferOps/gateway/observability"
)

// RedisJobStore implements JobStore on Redis so job snapshots survive
// gateway restarts. One gateway process owns all writes to a job, so
// plain read-modify-write is sufficient.
type RedisJobStore struct {
	client    *redis.Client
	retention int
}

// NewRedisJobStore connects to Redis and verifies the connection.
func NewRedisJobStore(addr string, retention int) (*RedisJobStore, error) {
	if retention <= 0 {
		retention = 64
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisJobStore{client: client, retention: retention}, nil
}

func (s *RedisJobStore) CreateJob(ctx context.Context, job *BatchJob) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	if err := s.putJob(ctx, job); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  job.CreatedAt,
		Member: job.JobID,
	}).Err(); err != nil {
		return err
	}
	return s.evict(ctx)
}

func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (*BatchJob, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, JobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisJobStore) AppendResult(ctx context.Context, jobID string, res ItemResult) (*BatchJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Results = append(job.Results, res)
	job.ProcessedItems++
	job.UpdatedAt = UnixNow()
	if err := s.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisJobStore) SetMergeTriggered(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.MergeTriggered = true
	job.UpdatedAt = UnixNow()
	return s.putJob(ctx, job)
}

func (s *RedisJobStore) SetStatus(ctx context.Context, jobID string, status string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.UpdatedAt = UnixNow()
	return s.putJob(ctx, job)
}

func (s *RedisJobStore) putJob(ctx context.Context, job *BatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	return s.client.Set(ctx, JobKey(job.JobID), data, 0).Err()
}

// evict trims the oldest terminal jobs once the index grows past the
// retention window. Running jobs are skipped.
func (s *RedisJobStore) evict(ctx context.Context) error {
	count, err := s.client.ZCard(ctx, jobIndexKey).Result()
	if err != nil {
		return err
	}
	excess := count - int64(s.retention)
	if excess <= 0 {
		return nil
	}

	// Oldest first; scan a little past the excess in case some of the
	// oldest jobs are still running.
	candidates, err := s.client.ZRange(ctx, jobIndexKey, 0, excess+8).Result()
	if err != nil {
		return err
	}
	for _, id := range candidates {
		if excess <= 0 {
			break
		}
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			s.client.ZRem(ctx, jobIndexKey, id)
			excess--
			continue
		}
		if err != nil {
			return err
		}
		if !job.Terminal() {
			continue
		}
		if err := s.client.Del(ctx, JobKey(id)).Err(); err != nil {
			return err
		}
		s.client.ZRem(ctx, jobIndexKey, id)
		excess--
	}
	return nil
}
