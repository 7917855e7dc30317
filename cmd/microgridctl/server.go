package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/devskill-org/microgrid-coordinator/bus"
)

// healthServer exposes /api/health and the dashboard's websocket endpoint,
// mirroring the teacher's WebServer: disabled outright when port<=0, and
// never crashes the agent process on a listener error.
type healthServer struct {
	server    *http.Server
	port      int
	startTime time.Time
	agentID   string
	dashboard *bus.Dashboard
}

type healthStatus struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	AgentID    string `json:"agent_id"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	Clients    int    `json:"dashboard_clients"`
}

func newHealthServer(agentID string, port int, dashboard *bus.Dashboard) *healthServer {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	hs := &healthServer{
		port:      port,
		startTime: time.Now(),
		agentID:   agentID,
		dashboard: dashboard,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", hs.handleHealth)
	if dashboard != nil {
		mux.HandleFunc("/ws", dashboard.ServeHTTP)
	}

	return hs
}

func (hs *healthServer) Start() {
	if hs == nil {
		return
	}
	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("health server error: %v\n", err)
		}
	}()
}

func (hs *healthServer) Stop(ctx context.Context) error {
	if hs == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

func (hs *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clients := 0
	if hs.dashboard != nil {
		clients = hs.dashboard.ClientCount()
	}
	status := healthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		AgentID:    hs.agentID,
		Uptime:     time.Since(hs.startTime).String(),
		Goroutines: runtime.NumGoroutine(),
		Clients:    clients,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
