package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wuni1/InferOps/gateway/store"
)

func waitForJob(t *testing.T, jobs store.JobStore, jobID string, cond func(*store.BatchJob) bool) *store.BatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.GetJob(context.Background(), jobID)
		if err == nil && cond(job) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job condition not met before deadline")
	return nil
}

func TestParseDataset(t *testing.T) {
	items, err := ParseDataset([]byte(`[{"q":"a"},{"q":"b"},{"q":"c"}]`), "")
	if err != nil || len(items) != 3 {
		t.Fatalf("uncapped parse: items=%d err=%v", len(items), err)
	}

	items, err = ParseDataset([]byte(`[{"q":"a"},{"q":"b"},{"q":"c"}]`), "2")
	if err != nil || len(items) != 2 {
		t.Fatalf("capped parse: items=%d err=%v", len(items), err)
	}

	// A cap beyond the dataset size takes everything.
	items, err = ParseDataset([]byte(`[1,2]`), "50")
	if err != nil || len(items) != 2 {
		t.Fatalf("oversized cap: items=%d err=%v", len(items), err)
	}

	for _, bad := range []struct{ data, count, want string }{
		{`{"not":"array"}`, "", "JSON array"},
		{`null`, "", "JSON array"},
		{`[1,2,3]`, "abc", "must be a number"},
		{`[1,2,3]`, "0", "must be positive"},
		{`[1,2,3]`, "-4", "must be positive"},
	} {
		_, err := ParseDataset([]byte(bad.data), bad.count)
		var derr *DatasetError
		if !errors.As(err, &derr) {
			t.Errorf("ParseDataset(%q, %q) err = %v, want DatasetError", bad.data, bad.count, err)
			continue
		}
		if !strings.Contains(derr.Reason, bad.want) {
			t.Errorf("reason = %q, want mention of %q", derr.Reason, bad.want)
		}
	}
}

func TestBatchJobRunsToCompletion(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("batch item requested a streamed response")
		}
		mu.Lock()
		if len(req.Messages) == 1 {
			received = append(received, req.Messages[0].Content)
		}
		mu.Unlock()
		fmt.Fprint(w, `{"message":{"content":"answered"},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	reg := testFleet(t, srv.URL)
	bringOnline(reg, 1, 5)

	jobs := store.NewMemoryJobStore(16)
	engine := NewBatchEngine(testDispatcher(reg), reg, jobs, nil, BatchOptions{
		MaxWorkers:     4,
		ItemTimeout:    5 * time.Second,
		MergeThreshold: 0.5,
	})

	items, err := ParseDataset([]byte(`[{"q":"one"},{"q":"two"},{"q":"three"},{"q":"four"},{"q":"five"}]`), "2")
	if err != nil {
		t.Fatal(err)
	}
	jobID, err := engine.CreateJob(context.Background(), items)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if len(jobID) != 32 {
		t.Errorf("job id %q is not 32 hex chars", jobID)
	}

	job := waitForJob(t, jobs, jobID, func(j *store.BatchJob) bool {
		return j.Status == store.StatusCompleted
	})

	if job.TotalItems != 2 {
		t.Errorf("total_items = %d, want 2 (data_count cap)", job.TotalItems)
	}
	if job.ProcessedItems != 2 {
		t.Errorf("processed_items = %d, want 2", job.ProcessedItems)
	}
	if len(job.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(job.Results))
	}
	for i, res := range job.Results {
		if len(res.Original) == 0 || len(res.Output) == 0 {
			t.Errorf("result %d incomplete: %+v", i, res)
		}
		if !strings.Contains(string(res.Output), "answered") {
			t.Errorf("result %d output = %s", i, res.Output)
		}
	}
	if !job.MergeTriggered {
		t.Error("merge trigger never fired")
	}

	// Each item's JSON text became the user message verbatim.
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("upstream saw %d items, want 2", len(received))
	}
	for _, content := range received {
		if !strings.HasPrefix(content, `{"q":`) {
			t.Errorf("item content = %q, want raw item JSON", content)
		}
	}
	t.Log("✓ dataset job: cap, fan-out, results, terminal state")
}

func TestBatchJobDrainsWithNoNodes(t *testing.T) {
	reg := testFleet(t, "http://127.0.0.1:1/api/chat")
	// Never polled: zero online nodes.

	jobs := store.NewMemoryJobStore(16)
	engine := NewBatchEngine(testDispatcher(reg), reg, jobs, nil, BatchOptions{
		MaxWorkers:     4,
		ItemTimeout:    time.Second,
		MergeThreshold: 0.5,
	})

	items, _ := ParseDataset([]byte(`[1,2,3]`), "")
	jobID, err := engine.CreateJob(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	job := waitForJob(t, jobs, jobID, func(j *store.BatchJob) bool {
		return j.Status == store.StatusCompleted
	})

	if job.ProcessedItems != 3 {
		t.Errorf("processed_items = %d, want 3", job.ProcessedItems)
	}
	for i, res := range job.Results {
		if !strings.Contains(string(res.Output), "no node available") {
			t.Errorf("result %d output = %s, want no-node error", i, res.Output)
		}
	}
	t.Log("✓ empty cluster drains the job with per-item errors")
}

// mergeCountingStore counts SetMergeTriggered calls to prove the
// threshold fires exactly once per job.
type mergeCountingStore struct {
	store.JobStore
	mu    sync.Mutex
	calls int
}

func (s *mergeCountingStore) SetMergeTriggered(ctx context.Context, jobID string) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.JobStore.SetMergeTriggered(ctx, jobID)
}

func TestMergeTriggerFiresExactlyOnce(t *testing.T) {
	srv := ndjsonUpstream(t, `{"done":true}`)
	reg := testFleet(t, srv.URL)
	bringOnline(reg, 1, 5)

	counting := &mergeCountingStore{JobStore: store.NewMemoryJobStore(16)}
	engine := NewBatchEngine(testDispatcher(reg), reg, counting, nil, BatchOptions{
		MaxWorkers:     2,
		ItemTimeout:    5 * time.Second,
		MergeThreshold: 0.5,
	})

	items, _ := ParseDataset([]byte(`[1,2,3,4,5,6]`), "")
	jobID, err := engine.CreateJob(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	job := waitForJob(t, counting, jobID, func(j *store.BatchJob) bool {
		return j.Status == store.StatusCompleted
	})
	if !job.MergeTriggered {
		t.Error("merge flag not set")
	}

	counting.mu.Lock()
	calls := counting.calls
	counting.mu.Unlock()
	if calls != 1 {
		t.Errorf("SetMergeTriggered called %d times, want exactly 1", calls)
	}
}

func TestBatchFailedItemStillCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not json")
	}))
	t.Cleanup(srv.Close)

	reg := testFleet(t, srv.URL)
	bringOnline(reg, 1, 5)

	jobs := store.NewMemoryJobStore(16)
	engine := NewBatchEngine(testDispatcher(reg), reg, jobs, nil, BatchOptions{
		MaxWorkers:     1,
		ItemTimeout:    time.Second,
		MergeThreshold: 0.5,
	})

	items, _ := ParseDataset([]byte(`[{"q":"x"}]`), "")
	jobID, _ := engine.CreateJob(context.Background(), items)

	job := waitForJob(t, jobs, jobID, func(j *store.BatchJob) bool {
		return j.Status == store.StatusCompleted
	})

	if job.ProcessedItems != 1 || len(job.Results) != 1 {
		t.Fatalf("processed=%d results=%d, want 1/1", job.ProcessedItems, len(job.Results))
	}
	var out map[string]string
	if err := json.Unmarshal(job.Results[0].Output, &out); err != nil {
		t.Fatalf("output is not a JSON object: %s", job.Results[0].Output)
	}
	if out["error"] == "" {
		t.Errorf("output = %s, want an error object", job.Results[0].Output)
	}
}

// recordingArchiver captures archived jobs.
type recordingArchiver struct {
	mu   sync.Mutex
	jobs []*store.BatchJob
}

func (a *recordingArchiver) SaveJob(_ context.Context, job *store.BatchJob) error {
	a.mu.Lock()
	a.jobs = append(a.jobs, job)
	a.mu.Unlock()
	return nil
}

func TestCompletedJobIsArchived(t *testing.T) {
	srv := ndjsonUpstream(t, `{"done":true}`)
	reg := testFleet(t, srv.URL)
	bringOnline(reg, 1, 5)

	jobs := store.NewMemoryJobStore(16)
	arch := &recordingArchiver{}
	engine := NewBatchEngine(testDispatcher(reg), reg, jobs, arch, BatchOptions{
		MaxWorkers:     1,
		ItemTimeout:    time.Second,
		MergeThreshold: 0.5,
	})

	items, _ := ParseDataset([]byte(`[1,2]`), "")
	jobID, _ := engine.CreateJob(context.Background(), items)

	waitForJob(t, jobs, jobID, func(j *store.BatchJob) bool {
		return j.Status == store.StatusCompleted
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		arch.mu.Lock()
		n := len(arch.jobs)
		arch.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.jobs) != 1 {
		t.Fatalf("archived %d jobs, want 1", len(arch.jobs))
	}
	if arch.jobs[0].JobID != jobID {
		t.Errorf("archived job %q, want %q", arch.jobs[0].JobID, jobID)
	}
	if arch.jobs[0].Status != store.StatusCompleted {
		t.Errorf("archived status = %q", arch.jobs[0].Status)
	}
}
