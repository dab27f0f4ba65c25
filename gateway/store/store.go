package store

import "context"

// JobStore is the persistence boundary for batch jobs. Writes for one
// job are serialized by the batch engine, so implementations only need
// to be safe for concurrent access across different jobs plus
// concurrent reads.
type JobStore interface {
	// CreateJob stores a new job snapshot and may evict the oldest
	// terminal jobs beyond the retention window.
	CreateJob(ctx context.Context, job *BatchJob) error

	// GetJob returns a copy of the job, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*BatchJob, error)

	// AppendResult appends one item result, increments processed_items
	// and returns the updated snapshot.
	AppendResult(ctx context.Context, jobID string, res ItemResult) (*BatchJob, error)

	// SetMergeTriggered marks the incremental-merge flag.
	SetMergeTriggered(ctx context.Context, jobID string) error

	// SetStatus transitions the job lifecycle state.
	SetStatus(ctx context.Context, jobID string, status string) error
}
