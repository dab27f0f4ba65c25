package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownNode is returned for operations on a node id that is not
	// part of the configured cluster.
	ErrUnknownNode = errors.New("unknown node")
)

// Options tunes the liveness rule.
type Options struct {
	// OfflineFailureThreshold flips a node offline once this many polls
	// have failed consecutively.
	OfflineFailureThreshold int
	// OfflineSilence flips a node offline when no poll has succeeded for
	// this long, regardless of the failure counter.
	OfflineSilence time.Duration
}

// DefaultOptions returns the stock liveness thresholds.
func DefaultOptions() Options {
	return Options{
		OfflineFailureThreshold: 3,
		OfflineSilence:          15 * time.Second,
	}
}

type entry struct {
	node  Node
	state NodeState
}

// Registry is the process-wide table of configured nodes. It is the only
// shared mutable structure in the gateway: the telemetry poller writes
// metrics and liveness, the dispatcher toggles the exclusivity flag, and
// every other component reads copy-on-read snapshots.
type Registry struct {
	mu    sync.RWMutex
	nodes map[int]*entry
	order []int
	opts  Options
}

// New builds a registry from the configured node list. Every node starts
// offline until its first successful poll.
func New(nodes []Node, opts Options) *Registry {
	if opts.OfflineFailureThreshold <= 0 {
		opts.OfflineFailureThreshold = DefaultOptions().OfflineFailureThreshold
	}
	if opts.OfflineSilence <= 0 {
		opts.OfflineSilence = DefaultOptions().OfflineSilence
	}

	r := &Registry{
		nodes: make(map[int]*entry, len(nodes)),
		opts:  opts,
	}
	for _, n := range nodes {
		if _, dup := r.nodes[n.ID]; dup {
			continue
		}
		r.nodes[n.ID] = &entry{node: n}
		r.order = append(r.order, n.ID)
	}
	sort.Ints(r.order)
	return r
}

func snapshotEntry(e *entry) NodeSnapshot {
	state := e.state
	if e.state.Metrics != nil {
		m := *e.state.Metrics
		m.Models = append([]string(nil), e.state.Metrics.Models...)
		m.Locked = e.state.Busy
		state.Metrics = &m
	}
	return NodeSnapshot{Node: e.node, State: state}
}

// Snapshot returns an immutable copy of every node in stable id order.
func (r *Registry) Snapshot() []NodeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, snapshotEntry(r.nodes[id]))
	}
	return out
}

// Get returns a copy of a single node's record.
func (r *Registry) Get(id int) (NodeSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		return NodeSnapshot{}, false
	}
	return snapshotEntry(e), true
}

// ApplyMetrics records a successful telemetry fetch: it stores the snapshot,
// resets the failure counter and marks the node online.
func (r *Registry) ApplyMetrics(id int, m Metrics, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		return ErrUnknownNode
	}

	metrics := m
	metrics.Models = append([]string(nil), m.Models...)
	e.state.Metrics = &metrics
	e.state.LastSuccessAt = at
	e.state.ConsecutiveFailures = 0
	e.state.CPUModel = m.CPUModel
	e.state.Online = true
	e.state.OfflineSince = time.Time{}
	return nil
}

// RecordFailure increments the node's failure counter and applies the
// liveness rule. It reports whether this failure flipped the node offline.
func (r *Registry) RecordFailure(id int, at time.Time) (wentOffline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		return false, ErrUnknownNode
	}

	e.state.ConsecutiveFailures++
	if !e.state.Online {
		return false, nil
	}
	if e.state.ConsecutiveFailures >= r.opts.OfflineFailureThreshold ||
		r.silent(e, at) {
		e.state.Online = false
		e.state.OfflineSince = at
		return true, nil
	}
	return false, nil
}

// MarkFailure bumps the failure counter without flipping liveness. The
// dispatcher uses it as an advisory signal after pre-stream upstream errors.
func (r *Registry) MarkFailure(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.nodes[id]; ok {
		e.state.ConsecutiveFailures++
	}
}

// SweepSilent flips offline every online node whose last successful poll is
// older than the silence window. Returns the ids it flipped.
func (r *Registry) SweepSilent(now time.Time) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flipped []int
	for _, id := range r.order {
		e := r.nodes[id]
		if e.state.Online && r.silent(e, now) {
			e.state.Online = false
			e.state.OfflineSince = now
			flipped = append(flipped, id)
		}
	}
	return flipped
}

// silent reports staleness; callers hold the lock.
func (r *Registry) silent(e *entry, now time.Time) bool {
	if e.state.LastSuccessAt.IsZero() {
		return false
	}
	return now.Sub(e.state.LastSuccessAt) > r.opts.OfflineSilence
}

// TryAcquire attempts to take the node's exclusivity lock. Acquisition is
// atomic with the liveness check: an offline or already busy node is never
// acquired.
func (r *Registry) TryAcquire(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok || !e.state.Online || e.state.Busy {
		return false
	}
	e.state.Busy = true
	return true
}

// Release returns the node's exclusivity lock. Releasing an unheld lock is a
// no-op so that deferred releases are safe on every exit path.
func (r *Registry) Release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.nodes[id]; ok {
		e.state.Busy = false
	}
}

// ReleaseAll force-releases every held lock and returns the ids that were
// busy. Operator recovery valve.
func (r *Registry) ReleaseAll() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []int
	for _, id := range r.order {
		if r.nodes[id].state.Busy {
			r.nodes[id].state.Busy = false
			released = append(released, id)
		}
	}
	return released
}

// OnlineCount returns the number of nodes currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.nodes {
		if e.state.Online {
			n++
		}
	}
	return n
}

// IDs returns the configured node ids in stable order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.order...)
}
