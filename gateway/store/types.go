// Package store persists batch jobs. The in-memory implementation is
// the default; Redis is used when REDIS_ADDR is set so job snapshots
// survive gateway restarts.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrJobNotFound is returned for lookups of unknown or evicted jobs.
var ErrJobNotFound = errors.New("job not found")

// Job lifecycle states. Jobs begin in StatusRunning; StatusFailed is
// reserved for setup failures before any item was scheduled.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ItemResult is one processed dataset item. Output holds either the
// parsed upstream response or an {"error": "..."} object.
type ItemResult struct {
	Original json.RawMessage `json:"original"`
	Output   json.RawMessage `json:"output"`
}

// ErrorOutput builds the failure Output payload for an item.
func ErrorOutput(msg string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}

// BatchJob is the full job snapshot returned by status queries.
// Results are append-only; pollers render progress by observed length.
type BatchJob struct {
	JobID          string       `json:"job_id"`
	Status         string       `json:"status"`
	TotalItems     int          `json:"total_items"`
	ProcessedItems int          `json:"processed_items"`
	MergeTriggered bool         `json:"merge_triggered"`
	Results        []ItemResult `json:"results"`
	CreatedAt      float64      `json:"created_at"`
	UpdatedAt      float64      `json:"updated_at"`
}

// Terminal reports whether the job will receive no further updates.
func (j *BatchJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *BatchJob) clone() *BatchJob {
	cp := *j
	cp.Results = make([]ItemResult, len(j.Results))
	copy(cp.Results, j.Results)
	return &cp
}

// UnixNow returns the current time as Unix seconds with fractional part,
// the timestamp format used in job snapshots.
func UnixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
