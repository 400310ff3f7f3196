// Package http provides the HTTP surface of the authorization server.
package http

import (
	"net/http"
	"sync/atomic"
)

// HealthHandler serves liveness and readiness probes. Readiness flips
// to false during shutdown so load balancers drain before the
// listener closes.
type HealthHandler struct {
	ready atomic.Bool
}

// NewHealthHandler creates a HealthHandler that starts ready.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{}
	h.ready.Store(true)
	return h
}

// SetReady updates the readiness state.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Healthz reports process liveness.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the server should receive traffic.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
