package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseGPULine(t *testing.T) {
	g, err := parseGPULine("55, 4096, 8192, 71")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if g.UtilizationPercent != 55 {
		t.Errorf("utilization = %v, want 55", g.UtilizationPercent)
	}
	if g.MemoryUsagePercent != 50 {
		t.Errorf("memory usage = %v, want 50", g.MemoryUsagePercent)
	}
	if g.TemperatureCelsius != 71 {
		t.Errorf("temperature = %v, want 71", g.TemperatureCelsius)
	}

	if _, err := parseGPULine("55, 4096, 8192"); err == nil {
		t.Error("short line accepted")
	}
	if _, err := parseGPULine("[N/A], 4096, 8192, 71"); err == nil {
		t.Error("non-numeric field accepted")
	}
}

func TestParseGPULineZeroTotalMemory(t *testing.T) {
	g, err := parseGPULine("10, 0, 0, 40")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if g.MemoryUsagePercent != 0 {
		t.Errorf("memory usage = %v, want 0 when total is 0", g.MemoryUsagePercent)
	}
}

func TestCPUPercent(t *testing.T) {
	prev := cpuTimes{idle: 100, total: 200}
	cur := cpuTimes{idle: 150, total: 300}
	if got := cpuPercent(prev, cur); got != 50 {
		t.Errorf("cpuPercent = %v, want 50", got)
	}

	// No elapsed jiffies: avoid division by zero.
	if got := cpuPercent(prev, prev); got != 0 {
		t.Errorf("cpuPercent with zero delta = %v, want 0", got)
	}
}

func TestFetchModelsFromTagsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"qwen2:7b"}]}`))
	}))
	defer srv.Close()

	cfg := &Config{
		TagsURL:         srv.URL,
		FallbackModels:  []string{"fallback:1b"},
		GPUQueryTimeout: time.Second,
	}
	c := NewCollector(cfg)

	models := c.fetchModels(context.Background())
	if len(models) != 2 || models[0] != "llama3:8b" || models[1] != "qwen2:7b" {
		t.Errorf("models = %v", models)
	}
}

func TestFetchModelsFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "daemon restarting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := &Config{
		TagsURL:         srv.URL,
		FallbackModels:  []string{"fallback:1b"},
		GPUQueryTimeout: time.Second,
	}
	c := NewCollector(cfg)

	models := c.fetchModels(context.Background())
	if len(models) != 1 || models[0] != "fallback:1b" {
		t.Errorf("models = %v, want fallback list", models)
	}

	// Unreachable daemon, same story.
	cfg.TagsURL = "http://127.0.0.1:1/api/tags"
	models = c.fetchModels(context.Background())
	if len(models) != 1 || models[0] != "fallback:1b" {
		t.Errorf("models = %v, want fallback list", models)
	}
}

func TestFetchModelsNeverReturnsNil(t *testing.T) {
	cfg := &Config{
		TagsURL:         "http://127.0.0.1:1/api/tags",
		FallbackModels:  nil,
		GPUQueryTimeout: time.Second,
	}
	c := NewCollector(cfg)

	if models := c.fetchModels(context.Background()); models == nil {
		t.Error("fetchModels returned nil; payload would fail gateway validation")
	}
	if snap := c.Snapshot(); snap.Models == nil {
		t.Error("snapshot models nil; payload would fail gateway validation")
	}
}
