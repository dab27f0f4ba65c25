package store

import (
	"context"
	"sync"
)

// MemoryJobStore holds job snapshots in process memory. It implements
// the JobStore interface and is the default backend.
type MemoryJobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*BatchJob
	order     []string // creation order, oldest first
	retention int
}

// NewMemoryJobStore initializes a MemoryJobStore keeping at most
// retention jobs. Running jobs are never evicted, so the store may
// temporarily exceed the window while many jobs are in flight.
func NewMemoryJobStore(retention int) *MemoryJobStore {
	if retention <= 0 {
		retention = 64
	}
	return &MemoryJobStore{
		jobs:      make(map[string]*BatchJob),
		retention: retention,
	}
}

func (s *MemoryJobStore) CreateJob(ctx context.Context, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.JobID] = job.clone()
	s.order = append(s.order, job.JobID)
	s.evictLocked()
	return nil
}

func (s *MemoryJobStore) GetJob(ctx context.Context, jobID string) (*BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (s *MemoryJobStore) AppendResult(ctx context.Context, jobID string, res ItemResult) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	j.Results = append(j.Results, res)
	j.ProcessedItems++
	j.UpdatedAt = UnixNow()
	return j.clone(), nil
}

func (s *MemoryJobStore) SetMergeTriggered(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.MergeTriggered = true
	j.UpdatedAt = UnixNow()
	return nil
}

func (s *MemoryJobStore) SetStatus(ctx context.Context, jobID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	j.UpdatedAt = UnixNow()
	return nil
}

// evictLocked drops the oldest terminal jobs until the store is back
// inside the retention window. Caller holds the write lock.
func (s *MemoryJobStore) evictLocked() {
	for len(s.jobs) > s.retention {
		evicted := false
		for i, id := range s.order {
			j, ok := s.jobs[id]
			if !ok {
				s.order = append(s.order[:i], s.order[i+1:]...)
				evicted = true
				break
			}
			if j.Terminal() {
				delete(s.jobs, id)
				s.order = append(s.order[:i], s.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return // everything left is still running
		}
	}
}
