// Package archive writes terminal batch jobs to PostgreSQL for offline
// analysis. The live store keeps only a bounded retention window, so
// the archive is the durable record.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Wuni1/InferOps/gateway/observability"
	"github.com/Wuni1/InferOps/gateway/store"
)

const schema = `
	CREATE TABLE IF NOT EXISTS batch_jobs (
		job_id          TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		total_items     INTEGER NOT NULL,
		processed_items INTEGER NOT NULL,
		merge_triggered BOOLEAN NOT NULL DEFAULT FALSE,
		results         JSONB NOT NULL,
		created_at      DOUBLE PRECISION NOT NULL,
		updated_at      DOUBLE PRECISION NOT NULL,
		archived_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// PostgresArchive persists finished jobs.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive opens a pooled connection and ensures the schema
// exists.
func NewPostgresArchive(ctx context.Context, connString string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Archive writes are rare; keep the pool small.
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure batch_jobs table: %w", err)
	}
	return &PostgresArchive{pool: pool}, nil
}

// Close closes the connection pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}

// SaveJob upserts one terminal job snapshot.
func (a *PostgresArchive) SaveJob(ctx context.Context, job *store.BatchJob) error {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshal results for job %s: %w", job.JobID, err)
	}

	query := `
		INSERT INTO batch_jobs (job_id, status, total_items, processed_items, merge_triggered, results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed_items = EXCLUDED.processed_items,
			merge_triggered = EXCLUDED.merge_triggered,
			results = EXCLUDED.results,
			updated_at = EXCLUDED.updated_at,
			archived_at = NOW()
	`
	_, err = a.pool.Exec(ctx, query,
		job.JobID, job.Status, job.TotalItems, job.ProcessedItems,
		job.MergeTriggered, results, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		observability.ArchiveWrites.WithLabelValues("error").Inc()
		return err
	}
	observability.ArchiveWrites.WithLabelValues("ok").Inc()
	return nil
}

// GetJob loads an archived job, or nil when absent.
func (a *PostgresArchive) GetJob(ctx context.Context, jobID string) (*store.BatchJob, error) {
	query := `
		SELECT job_id, status, total_items, processed_items, merge_triggered, results, created_at, updated_at
		FROM batch_jobs WHERE job_id = $1
	`
	var job store.BatchJob
	var results []byte
	err := a.pool.QueryRow(ctx, query, jobID).Scan(
		&job.JobID, &job.Status, &job.TotalItems, &job.ProcessedItems,
		&job.MergeTriggered, &results, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &job.Results); err != nil {
		return nil, fmt.Errorf("unmarshal archived results for %s: %w", jobID, err)
	}
	return &job, nil
}
