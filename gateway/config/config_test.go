package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultFleet(t *testing.T) {
	s := Default()

	if len(s.Nodes) != 3 {
		t.Fatalf("expected 3 built-in nodes, got %d", len(s.Nodes))
	}
	if s.Port != 8000 {
		t.Errorf("default port = %d, want 8000", s.Port)
	}
	if s.PollInterval != 2*time.Second {
		t.Errorf("default poll interval = %v, want 2s", s.PollInterval)
	}
	if s.PollTimeout != 1500*time.Millisecond {
		t.Errorf("default poll timeout = %v, want 1.5s", s.PollTimeout)
	}

	sum := s.Weights.GPUUtil + s.Weights.Capacity + s.Weights.Memory +
		s.Weights.CPU + s.Weights.Temp + s.Weights.GPUMemory
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("default weights sum to %v, want 1.0", sum)
	}
}

func TestLoadFleetFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	body := `nodes:
  - id: 10
    name: "lab-a100"
    monitor_base_url: "http://10.0.0.5:8001"
    llm_url: "http://10.0.0.5:11434/api/chat"
    vram_gb: 80
    tflops: 312
  - id: 11
    name: "lab-t4"
    monitor_base_url: "http://10.0.0.6:8001"
    llm_url: "http://10.0.0.6:11434/api/chat"
weights:
  gpu_util: 0.5
  capacity: 0.5
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NODES_CONFIG", path)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(s.Nodes) != 2 {
		t.Fatalf("expected 2 nodes from file, got %d", len(s.Nodes))
	}
	if s.Nodes[0].ID != 10 || s.Nodes[0].VRAMGB != 80 {
		t.Errorf("node 10 not parsed: %+v", s.Nodes[0])
	}
	// Node 11 declares no capability; the baseline fills it in.
	if s.Nodes[1].VRAMGB != 8 || s.Nodes[1].TFLOPS != 10 {
		t.Errorf("capability baseline not applied: %+v", s.Nodes[1])
	}
	if s.Weights.GPUUtil != 0.5 || s.Weights.Capacity != 0.5 {
		t.Errorf("file weights not applied: %+v", s.Weights)
	}
	if s.Weights.Memory != 0 {
		t.Errorf("file weights should replace defaults wholesale, got memory=%v", s.Weights.Memory)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "127.0.0.1")
	t.Setenv("GATEWAY_PORT", "9001")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("OFFLINE_FAILURES", "5")
	t.Setenv("MERGE_THRESHOLD", "0.75")
	t.Setenv("REDIS_ADDR", "redis:6379")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if s.Addr() != "127.0.0.1:9001" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9001", s.Addr())
	}
	if s.PollInterval != 500*time.Millisecond {
		t.Errorf("POLL_INTERVAL override ignored: %v", s.PollInterval)
	}
	if s.OfflineFailureThreshold != 5 {
		t.Errorf("OFFLINE_FAILURES override ignored: %d", s.OfflineFailureThreshold)
	}
	if s.MergeThreshold != 0.75 {
		t.Errorf("MERGE_THRESHOLD override ignored: %v", s.MergeThreshold)
	}
	if s.RedisAddr != "redis:6379" {
		t.Errorf("REDIS_ADDR override ignored: %q", s.RedisAddr)
	}
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "not-a-number")
	t.Setenv("POLL_INTERVAL", "fast")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Port != 8000 {
		t.Errorf("malformed GATEWAY_PORT changed port to %d", s.Port)
	}
	if s.PollInterval != 2*time.Second {
		t.Errorf("malformed POLL_INTERVAL changed interval to %v", s.PollInterval)
	}
}

func TestLoadMissingFleetFile(t *testing.T) {
	t.Setenv("NODES_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing fleet file")
	}
}
