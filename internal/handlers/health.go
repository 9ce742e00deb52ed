package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/agentrelay/internal/breaker"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string             `json:"status"` // "healthy" or "degraded"
	Version   string             `json:"version"`
	Instance  string             `json:"instance,omitempty"`
	Checks    map[string]Check   `json:"checks"`
	Breakers  []breaker.Snapshot `json:"breakers"`
	Timestamp string             `json:"timestamp"`
}

// Health reports store reachability and the state of every storage breaker.
// Any failed check or open breaker answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = Check{Status: "fail", Message: "connection failed"}
		allHealthy = false
	} else {
		checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	snapshots := []breaker.Snapshot{}
	if h.breakers != nil {
		snapshots = h.breakers.Snapshots()
	}
	for _, s := range snapshots {
		if s.State == breaker.Open.String() {
			checks["breaker:"+s.Name] = Check{Status: "fail", Message: "circuit open"}
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Instance:  os.Getenv("HOSTNAME"),
		Checks:    checks,
		Breakers:  snapshots,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "agentrelay",
		Version: version,
	})
}
