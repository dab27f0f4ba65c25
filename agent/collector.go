package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memorySection and gpuSection mirror the wire payload nesting.
type memorySection struct {
	Percent float64 `json:"percent"`
}

type gpuSection struct {
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
}

// metricsSnapshot is the payload served at /metrics. Every field is
// always present; the gateway rejects partial payloads, so a node
// without a GPU reports zeros rather than omitting the section.
type metricsSnapshot struct {
	CPUUsagePercent float64       `json:"cpu_usage_percent"`
	CPUModel        string        `json:"cpu_model"`
	Memory          memorySection `json:"memory"`
	GPU             gpuSection    `json:"gpu"`
	Models          []string      `json:"models"`
}

// Collector samples hardware counters on a fixed cadence and keeps the
// latest snapshot for the HTTP server. CPU usage needs two /proc/stat
// readings, so the first snapshot after startup reports zero.
type Collector struct {
	cfg    *Config
	client *http.Client

	mu   sync.RWMutex
	snap metricsSnapshot

	// Sampling state, touched only by the Run goroutine.
	prevCPU      cpuTimes
	havePrev     bool
	gpuAvailable bool
	gpuWarned    bool
}

// NewCollector builds a Collector and probes the environment once:
// CPU model and nvidia-smi availability do not change at runtime.
func NewCollector(cfg *Config) *Collector {
	c := &Collector{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * cfg.GPUQueryTimeout},
	}
	c.snap.CPUModel = readCPUModel()
	c.snap.Models = append([]string{}, cfg.FallbackModels...)

	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		log.Printf("⚠️ nvidia-smi not found: GPU metrics will report zeros")
	} else {
		c.gpuAvailable = true
	}
	return c
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	// Prime the CPU baseline so the first timed sample has a delta.
	if t, err := readCPUTimes(); err == nil {
		c.prevCPU, c.havePrev = t, true
	}
	c.sample(ctx)

	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

// Snapshot returns a copy of the latest sample.
func (c *Collector) Snapshot() metricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snap
	snap.Models = make([]string, len(c.snap.Models))
	copy(snap.Models, c.snap.Models)
	return snap
}

func (c *Collector) sample(ctx context.Context) {
	var cpuPct float64
	if cur, err := readCPUTimes(); err != nil {
		log.Printf("⚠️ Failed to read /proc/stat: %v", err)
	} else {
		if c.havePrev {
			cpuPct = cpuPercent(c.prevCPU, cur)
		}
		c.prevCPU, c.havePrev = cur, true
	}

	memPct, err := readMemPercent()
	if err != nil {
		log.Printf("⚠️ Failed to read /proc/meminfo: %v", err)
	}

	var gpu gpuSection
	if c.gpuAvailable {
		g, err := c.queryGPU(ctx)
		if err != nil {
			if !c.gpuWarned {
				log.Printf("⚠️ GPU query failed, reporting zeros: %v", err)
				c.gpuWarned = true
			}
		} else {
			gpu = g
			c.gpuWarned = false
		}
	}

	models := c.fetchModels(ctx)

	c.mu.Lock()
	c.snap.CPUUsagePercent = round1(cpuPct)
	c.snap.Memory.Percent = round1(memPct)
	c.snap.GPU = gpu
	c.snap.Models = models
	c.mu.Unlock()
}

// cpuTimes is one aggregate reading of /proc/stat's first line.
type cpuTimes struct {
	idle  uint64
	total uint64
}

func readCPUTimes() (cpuTimes, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		var t cpuTimes
		for i, f := range strings.Fields(line)[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("parse /proc/stat field %q: %w", f, err)
			}
			t.total += v
			// idle + iowait both count as idle time
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		return t, nil
	}
	return cpuTimes{}, errors.New("no cpu line in /proc/stat")
}

func cpuPercent(prev, cur cpuTimes) float64 {
	dTotal := cur.total - prev.total
	dIdle := cur.idle - prev.idle
	if dTotal == 0 || dIdle > dTotal {
		return 0
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal)
}

func readMemPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			available, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total <= 0 {
		return 0, errors.New("MemTotal missing from /proc/meminfo")
	}
	return 100 * (1 - available/total), nil
}

func readCPUModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "unknown"
}

// queryGPU shells out to nvidia-smi for the primary device. Multi-GPU
// nodes report device 0, matching how the LLM daemon is pinned.
func (c *Collector) queryGPU(ctx context.Context) (gpuSection, error) {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.GPUQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(qctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return gpuSection{}, err
	}

	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return parseGPULine(line)
}

func parseGPULine(line string) (gpuSection, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return gpuSection{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gpuSection{}, fmt.Errorf("parse nvidia-smi field %q: %w", p, err)
		}
		vals[i] = v
	}

	g := gpuSection{
		UtilizationPercent: vals[0],
		TemperatureCelsius: vals[3],
	}
	if vals[2] > 0 {
		g.MemoryUsagePercent = round2(100 * vals[1] / vals[2])
	}
	return g, nil
}

// fetchModels asks the LLM daemon which models it has pulled. Any
// failure falls back to the configured list so the field never goes
// missing from the payload.
func (c *Collector) fetchModels(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TagsURL, nil)
	if err != nil {
		return c.fallbackModels()
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.fallbackModels()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.fallbackModels()
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return c.fallbackModels()
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models
}

func (c *Collector) fallbackModels() []string {
	return append([]string{}, c.cfg.FallbackModels...)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
