package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/Wuni1/InferOps/gateway/alerts"
	"github.com/Wuni1/InferOps/gateway/middleware"
	"github.com/Wuni1/InferOps/gateway/observability"
	"github.com/Wuni1/InferOps/gateway/registry"
	"github.com/Wuni1/InferOps/gateway/store"
)

// API holds the HTTP handlers and their collaborators. It performs no
// business logic beyond validation and serialization; everything else
// lives in the dispatcher, batch engine, registry and evaluator.
type API struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
	batch      *BatchEngine
	alerts     *alerts.Evaluator
	jobs       store.JobStore
	hub        *StatusHub

	// Storm protection: a global ceiling per hot endpoint plus a
	// per-client-IP bucket shared across endpoints.
	chatLimiter   *rate.Limiter
	uploadLimiter *rate.Limiter
	clientLimiter *middleware.TokenBucketLimiter
}

// NewAPI wires the public surface together.
func NewAPI(reg *registry.Registry, dispatcher *Dispatcher, batch *BatchEngine, evaluator *alerts.Evaluator, jobs store.JobStore) *API {
	api := &API{
		reg:        reg,
		dispatcher: dispatcher,
		batch:      batch,
		alerts:     evaluator,
		jobs:       jobs,
		// Allow 50 chats/sec, burst 100
		chatLimiter: rate.NewLimiter(rate.Limit(50), 100),
		// Allow 5 uploads/sec, burst 10
		uploadLimiter: rate.NewLimiter(rate.Limit(5), 10),
		// Per client: 20 requests/sec, burst 40
		clientLimiter: middleware.NewTokenBucketLimiter(20, 40),
	}
	api.hub = NewStatusHub(api)
	return api
}

// writeDetail sends the uniform {"detail": ...} error body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// writeRateLimitError answers 429 with a jittered Retry-After so a
// thundering herd does not come back in lockstep.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	writeDetail(w, http.StatusTooManyRequests, "too many requests")
}

// allowRequest applies storm protection for a hot endpoint.
func (a *API) allowRequest(w http.ResponseWriter, r *http.Request, endpoint string, global *rate.Limiter) bool {
	if !global.Allow() || !a.clientLimiter.Allow(middleware.ClientIP(r)) {
		a.writeRateLimitError(w, endpoint)
		return false
	}
	return true
}

// nodeStatus is the public shape of one node in /status/all and the
// WebSocket stream. Metrics is null until the first successful poll;
// cpu_model is sticky across offline transitions.
type nodeStatus struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Online   bool              `json:"online"`
	Busy     bool              `json:"busy"`
	CPUModel string            `json:"cpu_model"`
	Metrics  *registry.Metrics `json:"metrics"`
}

func (a *API) statusPayload() []nodeStatus {
	snap := a.reg.Snapshot()
	out := make([]nodeStatus, 0, len(snap))
	for _, s := range snap {
		out = append(out, nodeStatus{
			ID:       s.ID,
			Name:     s.Name,
			Online:   s.State.Online,
			Busy:     s.State.Busy,
			CPUModel: s.State.CPUModel,
			Metrics:  s.State.Metrics,
		})
	}
	return out
}

// modelsPayload is the sorted union of advertised models across online
// nodes. Offline nodes drop out immediately, so the dashboard's model
// menu always reflects what is actually servable.
func (a *API) modelsPayload() []string {
	seen := make(map[string]bool)
	for _, s := range a.reg.Snapshot() {
		if !s.State.Online || s.State.Metrics == nil {
			continue
		}
		for _, m := range s.State.Metrics.Models {
			seen[m] = true
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func (a *API) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.statusPayload())
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.alerts.Evaluate(a.reg.Snapshot(), time.Now()))
}

func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.modelsPayload())
}

// handleUnlockAll force-releases every node's exclusivity lock. It is
// the operator's recovery valve for locks orphaned by a crashed client
// stack; in normal operation deferred releases make it unnecessary.
func (a *API) handleUnlockAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	released := a.reg.ReleaseAll()
	for _, id := range released {
		observability.NodeBusy.WithLabelValues(fmt.Sprint(id)).Set(0)
	}
	log.Printf("🚨 ADMIN ACTION: force-unlocked %d node(s): %v", len(released), released)

	if released == nil {
		released = []int{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":  "All nodes have been unlocked.",
		"unlocked": released,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
