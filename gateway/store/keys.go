package store

import "fmt"

// jobIndexKey is a sorted set of job IDs scored by creation time, used
// for retention sweeps.
const jobIndexKey = "inferops:jobs:recent"

// JobKey constructs the Redis key for a job snapshot.
// Format: inferops:jobs:{jobID}
func JobKey(jobID string) string {
	return fmt.Sprintf("inferops:jobs:%s", jobID)
}
