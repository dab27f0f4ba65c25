// Package config loads gateway settings from defaults, an optional YAML
// fleet file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Wuni1/InferOps/gateway/registry"
	"github.com/Wuni1/InferOps/gateway/scheduler"
)

// Settings is the full gateway configuration.
type Settings struct {
	Host string
	Port int

	// Telemetry polling.
	PollInterval            time.Duration
	PollTimeout             time.Duration
	OfflineFailureThreshold int
	OfflineSilence          time.Duration

	// Request dispatch.
	ConnectTimeout   time.Duration
	IdleReadTimeout  time.Duration
	LockRetries      int
	LockRetryBackoff time.Duration

	// Batch jobs.
	MaxWorkers     int
	ItemTimeout    time.Duration
	MergeThreshold float64
	JobRetention   int

	// Alerts.
	OfflineAlertDelay time.Duration

	Weights scheduler.Weights

	// Hardware baseline for nodes that do not declare capability.
	DefaultVRAMGB float64
	DefaultTFLOPS float64

	// Optional backends. Empty means the in-memory fallback.
	RedisAddr   string
	PostgresDSN string

	Nodes []registry.Node
}

// Default returns production defaults with the built-in three-node fleet.
func Default() Settings {
	return Settings{
		Host: "0.0.0.0",
		Port: 8000,

		PollInterval:            2 * time.Second,
		PollTimeout:             1500 * time.Millisecond,
		OfflineFailureThreshold: 3,
		OfflineSilence:          15 * time.Second,

		ConnectTimeout:   5 * time.Second,
		IdleReadTimeout:  60 * time.Second,
		LockRetries:      3,
		LockRetryBackoff: 50 * time.Millisecond,

		MaxWorkers:     8,
		ItemTimeout:    5 * time.Minute,
		MergeThreshold: 0.5,
		JobRetention:   64,

		OfflineAlertDelay: 30 * time.Second,

		Weights: scheduler.DefaultWeights(),

		DefaultVRAMGB: 8,
		DefaultTFLOPS: 10,

		Nodes: []registry.Node{
			{
				ID:             1,
				Name:           "节点 1 (RTX 4090)",
				MonitorBaseURL: "http://192.168.1.101:8001",
				LLMURL:         "http://192.168.1.101:11434/api/chat",
				VRAMGB:         24,
				TFLOPS:         82,
			},
			{
				ID:             2,
				Name:           "节点 2 (RTX 3080)",
				MonitorBaseURL: "http://192.168.1.102:8001",
				LLMURL:         "http://192.168.1.102:11434/api/chat",
				VRAMGB:         10,
				TFLOPS:         30,
			},
			{
				ID:             3,
				Name:           "节点 3 (RTX 3060)",
				MonitorBaseURL: "http://192.168.1.103:8001",
				LLMURL:         "http://192.168.1.103:11434/api/chat",
				VRAMGB:         12,
				TFLOPS:         13,
			},
		},
	}
}

// fleetFile is the YAML shape of the NODES_CONFIG file. It replaces the
// built-in fleet and may override the scoring weights.
type fleetFile struct {
	Nodes   []registry.Node `yaml:"nodes"`
	Weights *struct {
		GPUUtil   float64 `yaml:"gpu_util"`
		Capacity  float64 `yaml:"capacity"`
		Memory    float64 `yaml:"memory"`
		CPU       float64 `yaml:"cpu"`
		Temp      float64 `yaml:"temp"`
		GPUMemory float64 `yaml:"gpu_memory"`
	} `yaml:"weights"`
}

// Load builds the effective Settings: Default, then the NODES_CONFIG
// YAML file if set, then environment overrides. Nodes missing capability
// figures are filled from the baseline so capacity scoring always has
// inputs.
func Load() (Settings, error) {
	s := Default()

	if path := os.Getenv("NODES_CONFIG"); path != "" {
		if err := s.loadFleetFile(path); err != nil {
			return Settings{}, err
		}
		log.Printf("✅ Loaded %d nodes from %s", len(s.Nodes), path)
	}

	s.applyEnv()
	s.fillCapabilityBaseline()

	if len(s.Nodes) == 0 {
		return Settings{}, fmt.Errorf("config: no nodes configured")
	}
	return s, nil
}

func (s *Settings) loadFleetFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read fleet file %s: %w", path, err)
	}
	var f fleetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse fleet file %s: %w", path, err)
	}
	if len(f.Nodes) > 0 {
		s.Nodes = f.Nodes
	}
	if f.Weights != nil {
		s.Weights = scheduler.Weights{
			GPUUtil:   f.Weights.GPUUtil,
			Capacity:  f.Weights.Capacity,
			Memory:    f.Weights.Memory,
			CPU:       f.Weights.CPU,
			Temp:      f.Weights.Temp,
			GPUMemory: f.Weights.GPUMemory,
		}
	}
	return nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		s.Host = v
	}
	envInt("GATEWAY_PORT", &s.Port)

	envDuration("POLL_INTERVAL", &s.PollInterval)
	envDuration("POLL_TIMEOUT", &s.PollTimeout)
	envInt("OFFLINE_FAILURES", &s.OfflineFailureThreshold)
	envDuration("OFFLINE_SILENCE", &s.OfflineSilence)

	envDuration("CONNECT_TIMEOUT", &s.ConnectTimeout)
	envDuration("IDLE_READ_TIMEOUT", &s.IdleReadTimeout)
	envInt("LOCK_RETRIES", &s.LockRetries)
	envDuration("LOCK_RETRY_BACKOFF", &s.LockRetryBackoff)

	envInt("MAX_WORKERS", &s.MaxWorkers)
	envDuration("ITEM_TIMEOUT", &s.ItemTimeout)
	envFloat("MERGE_THRESHOLD", &s.MergeThreshold)
	envInt("JOB_RETENTION", &s.JobRetention)

	envDuration("OFFLINE_ALERT_DELAY", &s.OfflineAlertDelay)

	envFloat("WEIGHT_GPU_UTIL", &s.Weights.GPUUtil)
	envFloat("WEIGHT_CAPACITY", &s.Weights.Capacity)
	envFloat("WEIGHT_MEMORY", &s.Weights.Memory)
	envFloat("WEIGHT_CPU", &s.Weights.CPU)
	envFloat("WEIGHT_TEMP", &s.Weights.Temp)
	envFloat("WEIGHT_GPU_MEMORY", &s.Weights.GPUMemory)

	envFloat("DEFAULT_VRAM_GB", &s.DefaultVRAMGB)
	envFloat("DEFAULT_TFLOPS", &s.DefaultTFLOPS)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		s.PostgresDSN = v
	}
}

func (s *Settings) fillCapabilityBaseline() {
	for i := range s.Nodes {
		if s.Nodes[i].VRAMGB <= 0 {
			s.Nodes[i].VRAMGB = s.DefaultVRAMGB
		}
		if s.Nodes[i].TFLOPS <= 0 {
			s.Nodes[i].TFLOPS = s.DefaultTFLOPS
		}
	}
}

// Addr returns the host:port listen address.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil && f >= 0 {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
