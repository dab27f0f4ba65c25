package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Wuni1/InferOps/gateway/observability"
	"github.com/Wuni1/InferOps/gateway/registry"
	"github.com/Wuni1/InferOps/gateway/scheduler"
	"github.com/Wuni1/InferOps/gateway/store"
)

// DatasetError flags a caller-supplied dataset problem. The HTTP layer
// maps it to a 400 response.
type DatasetError struct {
	Reason string
}

func (e *DatasetError) Error() string { return "bad dataset: " + e.Reason }

// ParseDataset validates an uploaded dataset file (a JSON array of
// items) and applies the optional data_count prefix cap. A cap larger
// than the dataset is ignored; zero and negative caps are rejected.
func ParseDataset(data []byte, dataCount string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &DatasetError{Reason: "file must contain a JSON array"}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &DatasetError{Reason: "file must contain a JSON array"}
	}

	if dataCount = strings.TrimSpace(dataCount); dataCount != "" {
		n, err := strconv.Atoi(dataCount)
		if err != nil {
			return nil, &DatasetError{Reason: "data_count must be a number"}
		}
		if n <= 0 {
			return nil, &DatasetError{Reason: "data_count must be positive"}
		}
		if n < len(items) {
			items = items[:n]
		}
	}
	return items, nil
}

// BatchOptions holds the batch engine tunables.
type BatchOptions struct {
	// MaxWorkers caps the worker pool; the effective pool size is
	// min(online nodes, items, MaxWorkers).
	MaxWorkers int
	// ItemTimeout is the per-item processing deadline.
	ItemTimeout time.Duration
	// MergeThreshold is the processed fraction at which incremental
	// result aggregation can begin downstream.
	MergeThreshold float64
}

// DefaultBatchOptions returns the production batch tunables.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxWorkers:     8,
		ItemTimeout:    5 * time.Minute,
		MergeThreshold: 0.5,
	}
}

// Archiver persists terminal jobs for offline analysis.
// *archive.PostgresArchive implements it; a nil Archiver disables
// archiving.
type Archiver interface {
	SaveJob(ctx context.Context, job *store.BatchJob) error
}

// BatchEngine fans dataset items out across the cluster through the
// same dispatcher that serves live chat, with a bounded worker pool
// and incremental progress in the job store.
type BatchEngine struct {
	dispatcher *Dispatcher
	reg        *registry.Registry
	store      store.JobStore
	archive    Archiver
	opts       BatchOptions

	mu     sync.Mutex
	merged map[string]bool // jobs whose merge trigger already fired
}

// NewBatchEngine builds a BatchEngine. archive may be nil.
func NewBatchEngine(dispatcher *Dispatcher, reg *registry.Registry, jobs store.JobStore, archive Archiver, opts BatchOptions) *BatchEngine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultBatchOptions().MaxWorkers
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultBatchOptions().ItemTimeout
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = DefaultBatchOptions().MergeThreshold
	}
	return &BatchEngine{
		dispatcher: dispatcher,
		reg:        reg,
		store:      jobs,
		archive:    archive,
		opts:       opts,
		merged:     make(map[string]bool),
	}
}

// newJobID returns a 128-bit random id, hex encoded.
func newJobID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("Failed to generate job id: %v", err)
	}
	return hex.EncodeToString(b)
}

// CreateJob registers a job for the parsed items and starts processing
// in the background. The job id is returned immediately; progress is
// observed through the job store.
func (e *BatchEngine) CreateJob(ctx context.Context, items []json.RawMessage) (string, error) {
	now := store.UnixNow()
	job := &store.BatchJob{
		JobID:      newJobID(),
		Status:     store.StatusRunning,
		TotalItems: len(items),
		Results:    []store.ItemResult{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	go e.run(job.JobID, items)
	return job.JobID, nil
}

// run drives one job to completion. Jobs outlive the upload request,
// so processing runs on a fresh background context.
func (e *BatchEngine) run(jobID string, items []json.RawMessage) {
	ctx := context.Background()
	workers := e.workerCount(len(items))

	log.Printf("🚀 Starting dataset job %s: %d items across %d workers", jobID, len(items), workers)
	observability.BatchJobsActive.Inc()
	defer observability.BatchJobsActive.Dec()

	feed := make(chan json.RawMessage)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range feed {
				e.processItem(ctx, jobID, item)
			}
		}()
	}
	for _, item := range items {
		feed <- item
	}
	close(feed)
	wg.Wait()

	e.finish(ctx, jobID)
}

// workerCount sizes the pool: min(online nodes, items, MaxWorkers),
// never below one so a momentarily empty cluster still drains the job
// (items then fail individually with "no node available").
func (e *BatchEngine) workerCount(items int) int {
	n := e.reg.OnlineCount()
	if items < n {
		n = items
	}
	if e.opts.MaxWorkers < n {
		n = e.opts.MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// processItem dispatches one item and appends its result. Failures are
// recorded as {"error": ...} outputs; the item still counts as
// processed so the job always terminates.
func (e *BatchEngine) processItem(ctx context.Context, jobID string, item json.RawMessage) {
	itemCtx, cancel := context.WithTimeout(ctx, e.opts.ItemTimeout)
	defer cancel()

	var output json.RawMessage
	payload, err := buildItemRequest(item)
	if err == nil {
		var body []byte
		_, body, err = e.dispatcher.Buffered(itemCtx, payload, "")
		if err == nil {
			if json.Valid(body) {
				output = body
			} else {
				err = errors.New("upstream returned non-JSON response")
			}
		}
	}
	if err != nil {
		output = store.ErrorOutput(itemErrorMessage(err))
		observability.BatchItems.WithLabelValues("failed").Inc()
	} else {
		observability.BatchItems.WithLabelValues("completed").Inc()
	}

	snap, err := e.store.AppendResult(ctx, jobID, store.ItemResult{Original: item, Output: output})
	if err != nil {
		log.Printf("⚠️ Failed to record result for job %s: %v", jobID, err)
		return
	}
	e.maybeTriggerMerge(ctx, snap)
}

// maybeTriggerMerge fires the incremental-aggregation trigger the
// first time the processed fraction crosses the threshold.
func (e *BatchEngine) maybeTriggerMerge(ctx context.Context, job *store.BatchJob) {
	if job.MergeTriggered || job.TotalItems == 0 {
		return
	}
	need := int(math.Ceil(float64(job.TotalItems) * e.opts.MergeThreshold))
	if job.ProcessedItems < need {
		return
	}

	e.mu.Lock()
	already := e.merged[job.JobID]
	e.merged[job.JobID] = true
	e.mu.Unlock()
	if already {
		return
	}

	if err := e.store.SetMergeTriggered(ctx, job.JobID); err != nil {
		log.Printf("⚠️ Failed to mark merge trigger for job %s: %v", job.JobID, err)
		return
	}
	log.Printf("✨ Job %s: incremental merge threshold reached (%d/%d); aggregation can begin",
		job.JobID, job.ProcessedItems, job.TotalItems)
}

// finish transitions the job to completed and hands it to the archive.
func (e *BatchEngine) finish(ctx context.Context, jobID string) {
	if err := e.store.SetStatus(ctx, jobID, store.StatusCompleted); err != nil {
		log.Printf("⚠️ Failed to mark job %s completed: %v", jobID, err)
		return
	}
	log.Printf("✅ Job %s completed", jobID)

	e.mu.Lock()
	delete(e.merged, jobID)
	e.mu.Unlock()

	if e.archive == nil {
		return
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.archive.SaveJob(saveCtx, job); err != nil {
		log.Printf("⚠️ Failed to archive job %s: %v", jobID, err)
	}
}

// buildItemRequest wraps one dataset item in the fixed chat template:
// the item's JSON text becomes the user message content, and the
// upstream response is requested unstreamed.
func buildItemRequest(item json.RawMessage) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, item); err != nil {
		return nil, fmt.Errorf("compact item: %w", err)
	}
	return json.Marshal(map[string]interface{}{
		"messages": []map[string]string{
			{"role": "user", "content": compact.String()},
		},
		"stream": false,
	})
}

// itemErrorMessage maps dispatch failures to the short operator-facing
// strings stored in item outputs.
func itemErrorMessage(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, scheduler.ErrNoNodeAvailable):
		return "no node available"
	case errors.Is(err, context.DeadlineExceeded):
		return "item deadline exceeded"
	case errors.As(err, &upstream):
		return "upstream unavailable"
	default:
		return "inference failed"
	}
}
