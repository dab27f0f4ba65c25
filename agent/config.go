package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the agent configuration.
type Config struct {
	// Port serves the /metrics endpoint; the gateway's fleet file points
	// each node's monitor_base_url here.
	Port int
	// TagsURL is the local LLM daemon's model listing endpoint.
	TagsURL string
	// FallbackModels is advertised when the LLM daemon is unreachable.
	FallbackModels []string
	// SampleInterval is the hardware sampling cadence.
	SampleInterval time.Duration
	// GPUQueryTimeout bounds one nvidia-smi invocation.
	GPUQueryTimeout time.Duration
}

// LoadConfig initializes the agent configuration from defaults and
// environment overrides.
func LoadConfig() *Config {
	cfg := &Config{
		Port:            8001,
		TagsURL:         "http://localhost:11434/api/tags",
		FallbackModels:  []string{},
		SampleInterval:  2 * time.Second,
		GPUQueryTimeout: 1500 * time.Millisecond,
	}

	if v := os.Getenv("AGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("LLM_TAGS_URL"); v != "" {
		cfg.TagsURL = v
	}
	if v := os.Getenv("MODELS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.FallbackModels = append(cfg.FallbackModels, m)
			}
		}
	}
	if v := os.Getenv("SAMPLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SampleInterval = d
		}
	}
	return cfg
}
