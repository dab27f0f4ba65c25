package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Wuni1/InferOps/gateway/observability"
	"github.com/Wuni1/InferOps/gateway/registry"
	"github.com/Wuni1/InferOps/gateway/scheduler"
)

// UpstreamError reports that a node accepted the dispatch but failed
// before producing a single response byte (connection refused, non-200
// on the initial exchange). The dispatcher retries these internally;
// one surfacing to a caller means every attempt was exhausted.
type UpstreamError struct {
	NodeID int
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("node %d failed before first byte: %v", e.NodeID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DispatchOptions holds the dispatcher tunables.
type DispatchOptions struct {
	// ConnectTimeout bounds the TCP dial to a node's LLM daemon.
	ConnectTimeout time.Duration
	// IdleReadTimeout aborts a stream when the upstream produces no
	// bytes for this long. There is no overall deadline; completions
	// may legitimately run for minutes.
	IdleReadTimeout time.Duration
	// LockRetries is how many times a lost TryAcquire race re-asks the
	// scheduler before giving up.
	LockRetries int
	// LockRetryBackoff is the pause between those retries.
	LockRetryBackoff time.Duration
}

// DefaultDispatchOptions returns the production dispatch tunables.
func DefaultDispatchOptions() DispatchOptions {
	return DispatchOptions{
		ConnectTimeout:   5 * time.Second,
		IdleReadTimeout:  60 * time.Second,
		LockRetries:      3,
		LockRetryBackoff: 50 * time.Millisecond,
	}
}

// Dispatcher routes one chat completion to the best node: scheduler
// pick, exclusivity lock, streaming proxy with pre-first-byte failover.
// The lock is released on every exit path, including client disconnect
// and upstream failure mid-stream.
type Dispatcher struct {
	reg      *registry.Registry
	schedCfg scheduler.Config
	opts     DispatchOptions
	client   *http.Client
}

// NewDispatcher builds a Dispatcher over the shared registry.
func NewDispatcher(reg *registry.Registry, schedCfg scheduler.Config, opts DispatchOptions) *Dispatcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultDispatchOptions().ConnectTimeout
	}
	if opts.IdleReadTimeout <= 0 {
		opts.IdleReadTimeout = DefaultDispatchOptions().IdleReadTimeout
	}
	if opts.LockRetries < 0 {
		opts.LockRetries = DefaultDispatchOptions().LockRetries
	}
	if opts.LockRetryBackoff <= 0 {
		opts.LockRetryBackoff = DefaultDispatchOptions().LockRetryBackoff
	}
	return &Dispatcher{
		reg:      reg,
		schedCfg: schedCfg,
		opts:     opts,
		// No client-level timeout: streams run until the upstream
		// closes or the idle watchdog cancels the request context.
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: opts.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: opts.IdleReadTimeout,
			},
		},
	}
}

// Stream proxies one streaming chat completion to w as server-sent
// events: the node_assigned event first, then one data frame per
// upstream JSON line, then data: [DONE]. A non-nil return always means
// no bytes were written; once relaying starts, failures are reported
// in-band and Stream returns nil.
func (d *Dispatcher) Stream(ctx context.Context, w http.ResponseWriter, payload []byte, model string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	// Client disconnect cancels upCtx through ctx; the idle watchdog
	// cancels it directly.
	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	node, resp, err := d.connectBest(upCtx, payload, model)
	if err != nil {
		return err
	}
	defer d.release(node.ID)
	defer resp.Body.Close()

	observability.ActiveStreams.Inc()
	defer observability.ActiveStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The assignment event must strictly precede any model bytes; the
	// dashboard keys its per-node activity view on it.
	fmt.Fprintf(w, "event: node_assigned\ndata: {\"node_id\":%d,\"node_name\":%s}\n\n",
		node.ID, jsonString(node.Name))
	flusher.Flush()

	d.relay(w, flusher, resp.Body, node, cancel)
	return nil
}

// Buffered dispatches a non-streaming completion and returns the
// serving node plus the upstream response body. The batch engine and
// the stream=false chat path both go through here.
func (d *Dispatcher) Buffered(ctx context.Context, payload []byte, model string) (registry.NodeSnapshot, []byte, error) {
	node, resp, err := d.connectBest(ctx, payload, model)
	if err != nil {
		return registry.NodeSnapshot{}, nil, err
	}
	defer d.release(node.ID)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.DispatchResults.WithLabelValues("truncated").Inc()
		return node, nil, fmt.Errorf("read upstream response: %w", err)
	}
	observability.DispatchResults.WithLabelValues("completed").Inc()
	return node, body, nil
}

// connectBest runs the failover loop: pick, lock, open the upstream
// exchange. A pre-first-byte failure releases the lock, bumps the
// node's advisory failure counter and excludes it from the next pick,
// up to min(3, online nodes) attempts.
func (d *Dispatcher) connectBest(ctx context.Context, payload []byte, model string) (registry.NodeSnapshot, *http.Response, error) {
	maxAttempts := d.reg.OnlineCount()
	if maxAttempts > 3 {
		maxAttempts = 3
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	exclude := make(map[int]bool)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		node, cand, err := d.acquire(ctx, model, exclude)
		if err != nil {
			// Nothing left to pick. If a node already failed this
			// dispatch, that failure is the real story.
			if lastErr != nil {
				break
			}
			return registry.NodeSnapshot{}, nil, err
		}

		resp, err := d.connect(ctx, node, payload)
		if err == nil {
			log.Printf("Node %d (%s) serving request: score %.3f, gpu %.0f%%, attempt %d/%d",
				node.ID, node.Name, cand.Score, cand.GPUUtil, attempt, maxAttempts)
			return node, resp, nil
		}

		d.release(node.ID)
		d.reg.MarkFailure(node.ID)
		exclude[node.ID] = true
		lastErr = &UpstreamError{NodeID: node.ID, Err: err}
		observability.DispatchResults.WithLabelValues("failover").Inc()
		log.Printf("⚠️ Node %d (%s) failed before first byte (attempt %d/%d): %v",
			node.ID, node.Name, attempt, maxAttempts, err)

		if ctx.Err() != nil {
			break
		}
	}

	observability.DispatchResults.WithLabelValues("upstream_error").Inc()
	log.Printf("🚨 Dispatch exhausted all attempts: %v", lastErr)
	return registry.NodeSnapshot{}, nil, lastErr
}

// acquire picks the best eligible node and takes its exclusivity lock.
// Contention — losing the TryAcquire race, or every candidate being
// held by another request — re-asks the scheduler after a short
// backoff, up to LockRetries times. A fleet with no capacity at all
// (nothing online, fresh and matching) fails immediately, so an empty
// cluster still answers fast.
func (d *Dispatcher) acquire(ctx context.Context, model string, exclude map[int]bool) (registry.NodeSnapshot, scheduler.Candidate, error) {
	req := scheduler.Requirements{Model: model, Exclude: exclude}

	for attempt := 0; ; attempt++ {
		now := time.Now()
		snap := d.reg.Snapshot()
		ranked := scheduler.Rank(snap, req, d.schedCfg, now)

		if len(ranked) == 0 {
			if attempt >= d.opts.LockRetries || !scheduler.LockedOut(snap, req, d.schedCfg, now) {
				observability.SchedulerDecisions.WithLabelValues("no_node").Inc()
				return registry.NodeSnapshot{}, scheduler.Candidate{}, scheduler.ErrNoNodeAvailable
			}
		} else {
			best := ranked[0]
			if d.reg.TryAcquire(best.NodeID) {
				observability.SchedulerDecisions.WithLabelValues("assigned").Inc()
				observability.NodeBusy.WithLabelValues(strconv.Itoa(best.NodeID)).Set(1)
				node, _ := d.reg.Get(best.NodeID)
				return node, best, nil
			}
			if attempt >= d.opts.LockRetries {
				observability.LockContention.Inc()
				observability.SchedulerDecisions.WithLabelValues("no_node").Inc()
				return registry.NodeSnapshot{}, scheduler.Candidate{}, scheduler.ErrNoNodeAvailable
			}
		}

		observability.LockContention.Inc()
		select {
		case <-ctx.Done():
			return registry.NodeSnapshot{}, scheduler.Candidate{}, ctx.Err()
		case <-time.After(d.opts.LockRetryBackoff):
		}
	}
}

// release returns a node's lock and clears its busy gauge.
func (d *Dispatcher) release(id int) {
	d.reg.Release(id)
	observability.NodeBusy.WithLabelValues(strconv.Itoa(id)).Set(0)
}

// connect opens the upstream exchange. A nil error means the node
// accepted the request and the response body is ready to stream.
func (d *Dispatcher) connect(ctx context.Context, node registry.NodeSnapshot, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.LLMURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return resp, nil
}

// relay pumps upstream NDJSON lines to the client as SSE data frames,
// one flush per frame so reads from the node are paced by the client.
// cancelUpstream aborts the upstream read; the idle watchdog arms it
// when no bytes arrive inside the window, and a failed downstream
// write (client gone) triggers it directly.
func (d *Dispatcher) relay(w io.Writer, flusher http.Flusher, body io.Reader, node registry.NodeSnapshot, cancelUpstream context.CancelFunc) {
	watchdog := time.AfterFunc(d.opts.IdleReadTimeout, cancelUpstream)
	defer watchdog.Stop()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			watchdog.Reset(d.opts.IdleReadTimeout)
			if frame := bytes.TrimSpace(line); len(frame) > 0 {
				if _, werr := fmt.Fprintf(w, "data: %s\n\n", frame); werr != nil {
					cancelUpstream()
					observability.DispatchResults.WithLabelValues("disconnected").Inc()
					log.Printf("⚠️ Client left mid-stream; aborting upstream read on node %d", node.ID)
					return
				}
				flusher.Flush()
			}
		}

		if err == io.EOF {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			observability.DispatchResults.WithLabelValues("completed").Inc()
			return
		}
		if err != nil {
			// Partial output already left the building: report in-band
			// and stop. Failing over would replay tokens the client
			// has seen.
			fmt.Fprint(w, "data: {\"error\":\"upstream truncated\"}\n\n")
			flusher.Flush()
			observability.DispatchResults.WithLabelValues("truncated").Inc()
			log.Printf("🚨 Stream from node %d (%s) broke mid-response: %v", node.ID, node.Name, err)
			return
		}
	}
}

// jsonString quotes s as a JSON string literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
