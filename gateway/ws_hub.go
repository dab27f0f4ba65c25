package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wuni1/InferOps/gateway/alerts"
	"github.com/Wuni1/InferOps/gateway/observability"
)

const maxWSConnections = 200

// StatusHub manages dashboard WebSocket connections and pushes the
// fleet status once a second. Single broadcaster pattern: N dashboards
// cost one snapshot per tick, not N tickers.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
}

// statusFrame is one broadcast payload: the same node shapes as
// /status/all plus the currently firing alerts.
type statusFrame struct {
	Nodes     []nodeStatus   `json:"nodes"`
	Alerts    []alerts.Alert `json:"alerts"`
	Timestamp float64        `json:"timestamp"`
}

// NewStatusHub creates a hub over the API's registry and evaluator.
func NewStatusHub(api *API) *StatusHub {
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedDashboards.Set(float64(total))
			log.Printf("Dashboard connected. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedDashboards.Set(float64(total))
			log.Printf("Dashboard disconnected. Total: %d", total)

		case <-ticker.C:
			h.broadcastAll()
		}
	}
}

// broadcastAll snapshots the fleet once and fans it out to every client.
func (h *StatusHub) broadcastAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	frame := statusFrame{
		Nodes:     h.api.statusPayload(),
		Alerts:    h.api.alerts.Evaluate(h.api.reg.Snapshot(), time.Now()),
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}

	for conn := range h.clients {
		// Write deadline prevents blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("WebSocket write error: %v", err)
			// Unregister is handled off the broadcast path to avoid
			// deadlocking against our own read lock.
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.ConnectedDashboards.Set(0)
}

// Register adds a new client connection.
func (h *StatusHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *StatusHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
