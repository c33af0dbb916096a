package handler

import (
	"net/http"
)

// Connectivity reports whether the message bus is reachable.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	bus       Connectivity
	liveConns func() int
}

type readiness struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	LiveConnections *int   `json:"live_connections,omitempty"`
}

// NewHealthHandler creates a health handler. liveConns may be nil.
func NewHealthHandler(bus Connectivity, liveConns func() int) *HealthHandler {
	return &HealthHandler{
		bus:       bus,
		liveConns: liveConns,
	}
}

// Health handles GET /health. The process is alive if it can answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &readiness{Status: "healthy"})
}

// Ready handles GET /ready. Without NATS neither history nor cross-node
// delivery works, so the node is taken out of rotation.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil || !h.bus.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, &readiness{
			Status: "not ready",
			Reason: "NATS not connected",
		})
		return
	}

	resp := &readiness{Status: "ready"}
	if h.liveConns != nil {
		n := h.liveConns()
		resp.LiveConnections = &n
	}
	writeJSON(w, http.StatusOK, resp)
}
