package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// Server is the agent's HTTP server.
type Server struct {
	cfg       *Config
	collector *Collector
}

// NewServer creates a new Server.
func NewServer(cfg *Config, collector *Collector) *Server {
	return &Server{
		cfg:       cfg,
		collector: collector,
	}
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Printf("Monitor agent HTTP server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// handleMetrics serves the latest hardware snapshot. Reads never block
// on sampling; the gateway's poll timeout stays comfortably clear of
// nvidia-smi latency.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collector.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
