package handler

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/service"
)

// PrometheusHandler serves routing metrics in the Prometheus text format
type PrometheusHandler struct {
	registry  *service.Registry
	metrics   *service.RequestMetrics
	startTime time.Time
}

// NewPrometheusHandler creates a new Prometheus metrics handler
func NewPrometheusHandler(registry *service.Registry, metrics *service.RequestMetrics) *PrometheusHandler {
	return &PrometheusHandler{
		registry:  registry,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// MetricsHandler handles GET /metrics
func (h *PrometheusHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	types := h.metrics.Types()
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	header(w, "capability_router_requests_total", "counter", "Routed request attempts per capability type")
	for _, name := range names {
		fmt.Fprintf(w, "capability_router_requests_total{type=\"%s\"} %d\n", sanitizeLabel(name), types[name].Requests)
	}
	header(w, "capability_router_errors_total", "counter", "Failed request attempts per capability type")
	for _, name := range names {
		fmt.Fprintf(w, "capability_router_errors_total{type=\"%s\"} %d\n", sanitizeLabel(name), types[name].Errors)
	}
	header(w, "capability_router_request_duration_seconds_avg", "gauge", "Average attempt latency per capability type")
	for _, name := range names {
		rm := types[name]
		var avg float64
		if rm.Requests > 0 {
			avg = float64(rm.TotalLatency) / float64(rm.Requests) / 1000
		}
		fmt.Fprintf(w, "capability_router_request_duration_seconds_avg{type=\"%s\"} %.6f\n", sanitizeLabel(name), avg)
	}

	header(w, "capability_router_request_duration_seconds", "histogram", "Attempt latency distribution per capability type")
	for _, name := range names {
		writeHistogram(w, sanitizeLabel(name), types[name])
	}

	instances := h.registry.All()
	header(w, "capability_router_instance_healthy", "gauge", "Instance health (1=healthy, 0=otherwise)")
	for _, inst := range instances {
		healthy := 0
		if inst.Health() == domain.HealthHealthy {
			healthy = 1
		}
		fmt.Fprintf(w, "capability_router_instance_healthy{%s} %d\n", instanceLabels(inst), healthy)
	}
	header(w, "capability_router_instance_breaker_open", "gauge", "Circuit breaker state (1=open or half-open, 0=closed)")
	for _, inst := range instances {
		open := 0
		if breaker, ok := h.registry.Breaker(inst.ID); ok && breaker.State() != service.BreakerClosed {
			open = 1
		}
		fmt.Fprintf(w, "capability_router_instance_breaker_open{%s} %d\n", instanceLabels(inst), open)
	}
	header(w, "capability_router_instance_connections", "gauge", "In-flight requests per instance")
	for _, inst := range instances {
		fmt.Fprintf(w, "capability_router_instance_connections{%s} %d\n", instanceLabels(inst), inst.Connections())
	}
	header(w, "capability_router_instance_cpu_percent", "gauge", "Last sampled CPU usage per instance")
	for _, inst := range instances {
		fmt.Fprintf(w, "capability_router_instance_cpu_percent{%s} %.2f\n", instanceLabels(inst), inst.Metrics().CPUPercent)
	}

	header(w, "capability_router_instances_total", "gauge", "Registered instances")
	fmt.Fprintf(w, "capability_router_instances_total %d\n", len(instances))
	header(w, "capability_router_uptime_seconds", "gauge", "Router uptime in seconds")
	fmt.Fprintf(w, "capability_router_uptime_seconds %.2f\n", time.Since(h.startTime).Seconds())

	h.writeGoMetrics(w)
}

func writeHistogram(w io.Writer, label string, rm service.RouteMetrics) {
	b := rm.Buckets
	cumulative := []struct {
		le    string
		count int64
	}{
		{"0.01", b.Under10ms},
		{"0.05", b.Under10ms + b.Under50ms},
		{"0.1", b.Under10ms + b.Under50ms + b.Under100ms},
		{"0.5", b.Under10ms + b.Under50ms + b.Under100ms + b.Under500ms},
		{"1", b.Under10ms + b.Under50ms + b.Under100ms + b.Under500ms + b.Under1000ms},
		{"+Inf", rm.Requests},
	}
	for _, bucket := range cumulative {
		fmt.Fprintf(w, "capability_router_request_duration_seconds_bucket{type=\"%s\",le=\"%s\"} %d\n", label, bucket.le, bucket.count)
	}
	fmt.Fprintf(w, "capability_router_request_duration_seconds_sum{type=\"%s\"} %.3f\n", label, float64(rm.TotalLatency)/1000)
	fmt.Fprintf(w, "capability_router_request_duration_seconds_count{type=\"%s\"} %d\n", label, rm.Requests)
}

func header(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func instanceLabels(inst *domain.BackendInstance) string {
	return fmt.Sprintf("instance_id=\"%s\",group=\"%s\",type=\"%s\"",
		sanitizeLabel(inst.ID), sanitizeLabel(inst.Group), sanitizeLabel(inst.Type.String()))
}

func (h *PrometheusHandler) writeGoMetrics(w io.Writer) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	header(w, "go_goroutines", "gauge", "Number of goroutines that currently exist")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	header(w, "go_memstats_alloc_bytes", "gauge", "Number of bytes allocated and still in use")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	header(w, "process_start_time_seconds", "gauge", "Start time of the process since unix epoch in seconds")
	fmt.Fprintf(w, "process_start_time_seconds %d\n", h.startTime.Unix())
}

// sanitizeLabel escapes label values for the text format
func sanitizeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
