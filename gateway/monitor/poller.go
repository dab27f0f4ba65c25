// Package monitor polls node monitor agents for telemetry and feeds the
// registry's liveness state. Each node gets its own poll loop, so one
// slow or dead agent never delays the rest of the fleet.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Wuni1/InferOps/gateway/observability"
	"github.com/Wuni1/InferOps/gateway/registry"
)

// Sink receives each successful poll result. The alert evaluator uses
// this to track consecutive-poll streaks.
type Sink interface {
	ObserveMetrics(nodeID int, m registry.Metrics, at time.Time)
}

// Options holds poller tunables.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultOptions returns the production poll cadence.
func DefaultOptions() Options {
	return Options{
		Interval: 2 * time.Second,
		Timeout:  1500 * time.Millisecond,
	}
}

// Poller drives telemetry collection for the whole fleet.
type Poller struct {
	reg    *registry.Registry
	sink   Sink
	opts   Options
	client *http.Client
}

// New builds a Poller. sink may be nil when no alert evaluation is wanted.
func New(reg *registry.Registry, sink Sink, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Poller{
		reg:  reg,
		sink: sink,
		opts: opts,
		// The client timeout bounds the full roundtrip including body
		// read, so a stalled agent counts as one failed poll.
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Start launches one poll loop per node plus the silence sweeper. All
// loops stop when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	for _, s := range p.reg.Snapshot() {
		go p.pollLoop(ctx, s.Node)
	}
	go p.sweepLoop(ctx)
	log.Printf("🚀 Telemetry poller started for %d nodes (interval %v, timeout %v)",
		len(p.reg.IDs()), p.opts.Interval, p.opts.Timeout)
}

// pollLoop polls one node forever. Results apply in order because each
// node has exactly one goroutine issuing sequential requests.
func (p *Poller) pollLoop(ctx context.Context, node registry.Node) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx, node)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, node)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, node registry.Node) {
	before, _ := p.reg.Get(node.ID)

	start := time.Now()
	m, err := p.fetchMetrics(ctx, node)
	observability.PollLatency.Observe(time.Since(start).Seconds())

	label := strconv.Itoa(node.ID)
	if err != nil {
		observability.PollFailures.WithLabelValues(label).Inc()
		wentOffline, rerr := p.reg.RecordFailure(node.ID, time.Now())
		if rerr != nil {
			return
		}
		if wentOffline {
			observability.NodeOnline.WithLabelValues(label).Set(0)
			log.Printf("🚨 Node %d (%s) marked OFFLINE: %v", node.ID, node.Name, err)
		} else if before.State.Online {
			log.Printf("⚠️ Poll failed for node %d (%s): %v", node.ID, node.Name, err)
		}
		return
	}

	now := time.Now()
	if err := p.reg.ApplyMetrics(node.ID, m, now); err != nil {
		return
	}
	observability.NodeOnline.WithLabelValues(label).Set(1)
	observability.NodeGPUUtilization.WithLabelValues(label).Set(m.GPU.UtilizationPercent)
	observability.NodeGPUTemperature.WithLabelValues(label).Set(m.GPU.TemperatureCelsius)

	if !before.State.Online {
		log.Printf("✅ Node %d (%s) is back online", node.ID, node.Name)
	}
	if p.sink != nil {
		p.sink.ObserveMetrics(node.ID, m, now)
	}
}

// sweepLoop flips nodes whose last success is older than the silence
// window. This catches nodes that went quiet between failed polls, e.g.
// when the process is wedged but the failure counter has not reached
// its threshold yet.
func (p *Poller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range p.reg.SweepSilent(time.Now()) {
				observability.NodeOnline.WithLabelValues(strconv.Itoa(id)).Set(0)
				log.Printf("🚨 Node %d marked OFFLINE: silent past the liveness window", id)
			}
		}
	}
}

// metricsPayload is the monitor agent wire format. Every field is a
// pointer so an absent field is distinguishable from a zero value; a
// payload missing any field is a poll failure, not a zeroed reading.
type metricsPayload struct {
	CPUUsagePercent *float64 `json:"cpu_usage_percent"`
	CPUModel        *string  `json:"cpu_model"`
	Memory          *struct {
		Percent *float64 `json:"percent"`
	} `json:"memory"`
	GPU *struct {
		UtilizationPercent *float64 `json:"utilization_percent"`
		MemoryUsagePercent *float64 `json:"memory_usage_percent"`
		TemperatureCelsius *float64 `json:"temperature_celsius"`
	} `json:"gpu"`
	Models []string `json:"models"`
}

func (p *Poller) fetchMetrics(ctx context.Context, node registry.Node) (registry.Metrics, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, node.MonitorBaseURL+"/metrics", nil)
	if err != nil {
		return registry.Metrics{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return registry.Metrics{}, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return registry.Metrics{}, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var payload metricsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return registry.Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	return payload.validate()
}

func (mp metricsPayload) validate() (registry.Metrics, error) {
	switch {
	case mp.CPUUsagePercent == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing cpu_usage_percent")
	case mp.CPUModel == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing cpu_model")
	case mp.Memory == nil || mp.Memory.Percent == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing memory.percent")
	case mp.GPU == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing gpu")
	case mp.GPU.UtilizationPercent == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing gpu.utilization_percent")
	case mp.GPU.MemoryUsagePercent == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing gpu.memory_usage_percent")
	case mp.GPU.TemperatureCelsius == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing gpu.temperature_celsius")
	case mp.Models == nil:
		return registry.Metrics{}, fmt.Errorf("metrics missing models")
	}

	return registry.Metrics{
		CPUUsagePercent: *mp.CPUUsagePercent,
		CPUModel:        *mp.CPUModel,
		Memory:          registry.MemoryMetrics{Percent: *mp.Memory.Percent},
		GPU: registry.GPUMetrics{
			UtilizationPercent: *mp.GPU.UtilizationPercent,
			MemoryUsagePercent: *mp.GPU.MemoryUsagePercent,
			TemperatureCelsius: *mp.GPU.TemperatureCelsius,
		},
		Models: mp.Models,
	}, nil
}
