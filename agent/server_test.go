package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// The gateway rejects payloads missing any contract field, so the
// served document must always carry the full schema.
func TestMetricsEndpointServesFullContract(t *testing.T) {
	cfg := &Config{
		TagsURL:         "http://127.0.0.1:1/api/tags",
		FallbackModels:  []string{"llama3:8b"},
		GPUQueryTimeout: time.Second,
	}
	c := NewCollector(cfg)
	c.snap = metricsSnapshot{
		CPUUsagePercent: 12.5,
		CPUModel:        "AMD Ryzen 9 5950X",
		Memory:          memorySection{Percent: 42.1},
		GPU: gpuSection{
			UtilizationPercent: 55,
			MemoryUsagePercent: 60.2,
			TemperatureCelsius: 71,
		},
		Models: []string{"llama3:8b", "qwen2:7b"},
	}

	srv := NewServer(cfg, c)
	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"cpu_usage_percent", "cpu_model", "memory", "gpu", "models"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}

	var gpu map[string]float64
	if err := json.Unmarshal(payload["gpu"], &gpu); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"utilization_percent", "memory_usage_percent", "temperature_celsius"} {
		if _, ok := gpu[key]; !ok {
			t.Errorf("gpu section missing %q", key)
		}
	}

	var mem map[string]float64
	if err := json.Unmarshal(payload["memory"], &mem); err != nil {
		t.Fatal(err)
	}
	if mem["percent"] != 42.1 {
		t.Errorf("memory.percent = %v, want 42.1", mem["percent"])
	}

	var models []string
	if err := json.Unmarshal(payload["models"], &models); err != nil {
		t.Fatalf("models is not a string array: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("models = %v", models)
	}
}

func TestMetricsEndpointZeroGPUStillComplete(t *testing.T) {
	cfg := &Config{
		TagsURL:         "http://127.0.0.1:1/api/tags",
		FallbackModels:  []string{},
		GPUQueryTimeout: time.Second,
	}
	c := NewCollector(cfg)
	// GPU-less node: section present, zero-valued.

	srv := NewServer(cfg, c)
	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, key := range []string{`"gpu"`, `"utilization_percent"`, `"temperature_celsius"`, `"models"`} {
		if !strings.Contains(body, key) {
			t.Errorf("payload missing %s: %s", key, body)
		}
	}
	if strings.Contains(body, `"models":null`) {
		t.Error("models serialized as null")
	}
}

func TestMetricsEndpointRejectsPost(t *testing.T) {
	cfg := &Config{TagsURL: "http://127.0.0.1:1", GPUQueryTimeout: time.Second}
	srv := NewServer(cfg, NewCollector(cfg))

	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
