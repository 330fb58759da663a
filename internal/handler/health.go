package handler

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mir00r/capability-router/internal/service"
)

// HealthHandler serves the router's own health endpoints
type HealthHandler struct {
	registry  *service.Registry
	startTime time.Time
	version   string
	ready     atomic.Bool
}

// NewHealthHandler creates a new health handler. It reports not ready until
// SetReady(true) is called.
func NewHealthHandler(registry *service.Registry, version string) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		startTime: time.Now(),
		version:   version,
	}
}

// SetReady flips the readiness state; shutdown sets it back to false first
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// HealthHandler handles GET /health with the aggregated backend health.
// An unhealthy catalog answers 503.
func (h *HealthHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report := h.registry.HealthReport()
	status := http.StatusOK
	if report.Status == service.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ReadinessHandler handles GET /readiness
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if !h.ready.Load() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}

// LivenessHandler handles GET /liveness
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}
