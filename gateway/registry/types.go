package registry

import "time"

// Node is the static identity and capability of a compute node, declared
// in configuration at startup.
type Node struct {
	ID             int     `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	MonitorBaseURL string  `json:"monitor_base_url" yaml:"monitor_base_url"`
	LLMURL         string  `json:"llm_url" yaml:"llm_url"`
	VRAMGB         float64 `json:"vram_gb" yaml:"vram_gb"`
	TFLOPS         float64 `json:"tflops" yaml:"tflops"`
}

// MemoryMetrics is the system RAM section of a telemetry snapshot.
type MemoryMetrics struct {
	Percent float64 `json:"percent"`
}

// GPUMetrics is the GPU section of a telemetry snapshot.
type GPUMetrics struct {
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
}

// Metrics is one full telemetry snapshot as reported by a monitor agent.
// Ingest rejects partial payloads, so a stored Metrics is always complete.
// Locked mirrors the exclusivity flag for UI consumers and is stamped by the
// registry when snapshotting, never parsed from the agent.
type Metrics struct {
	CPUUsagePercent float64       `json:"cpu_usage_percent"`
	CPUModel        string        `json:"cpu_model"`
	Memory          MemoryMetrics `json:"memory"`
	GPU             GPUMetrics    `json:"gpu"`
	Models          []string      `json:"models"`
	Locked          bool          `json:"locked"`
}

// NodeState is the dynamic half of a node's record, mutated by the telemetry
// poller and the dispatcher.
type NodeState struct {
	Online              bool       `json:"online"`
	Busy                bool       `json:"busy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	OfflineSince        time.Time  `json:"offline_since"`
	CPUModel            string     `json:"cpu_model"`
	Metrics             *Metrics   `json:"metrics"`
}

// NodeSnapshot is an immutable copy of one node's static and dynamic record,
// handed to readers (scheduler, alerts, HTTP status).
type NodeSnapshot struct {
	Node
	State NodeState
}

// HasFreshMetrics reports whether the snapshot carries metrics updated within
// maxAge of now.
func (s NodeSnapshot) HasFreshMetrics(now time.Time, maxAge time.Duration) bool {
	if s.State.Metrics == nil {
		return false
	}
	return now.Sub(s.State.LastSuccessAt) <= maxAge
}

// AdvertisesModel reports whether the node's last snapshot lists the model.
func (s NodeSnapshot) AdvertisesModel(model string) bool {
	if s.State.Metrics == nil {
		return false
	}
	for _, m := range s.State.Metrics.Models {
		if m == model {
			return true
		}
	}
	return false
}
