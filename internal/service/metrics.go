package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestMetrics aggregates Execute attempts per capability type and per
// instance. Instance counters live in the instances themselves; this keeps
// the routing-level view that survives instance replacement.
type RequestMetrics struct {
	started time.Time

	totalRequests int64
	totalErrors   int64

	mu        sync.RWMutex
	byType    map[string]*RouteMetrics
	byInst    map[string]*RouteMetrics
	instOrder []string
}

// maxTrackedInstances bounds the per-instance table; the oldest entry goes first
const maxTrackedInstances = 1024

// RouteMetrics holds counters for one capability type or instance
type RouteMetrics struct {
	Requests     int64          `json:"requests"`
	Errors       int64          `json:"errors"`
	TotalLatency int64          `json:"total_latency_ms"`
	MinLatency   int64          `json:"min_latency_ms"`
	MaxLatency   int64          `json:"max_latency_ms"`
	LastRequest  time.Time      `json:"last_request"`
	Buckets      LatencyBuckets `json:"latency_distribution"`
}

// LatencyBuckets holds latency distribution data
type LatencyBuckets struct {
	Under10ms   int64 `json:"under_10ms"`
	Under50ms   int64 `json:"under_50ms"`
	Under100ms  int64 `json:"under_100ms"`
	Under500ms  int64 `json:"under_500ms"`
	Under1000ms int64 `json:"under_1000ms"`
	Over1000ms  int64 `json:"over_1000ms"`
}

// NewRequestMetrics creates an empty metrics table
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		started: time.Now(),
		byType:  make(map[string]*RouteMetrics),
		byInst:  make(map[string]*RouteMetrics),
	}
}

// Record accounts one attempt against a capability type and instance
func (m *RequestMetrics) Record(capType, instanceID string, latency time.Duration, failed bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if failed {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(m.byType, capType).observe(latency, failed)
	inst, ok := m.byInst[instanceID]
	if !ok {
		if len(m.instOrder) >= maxTrackedInstances {
			delete(m.byInst, m.instOrder[0])
			m.instOrder = m.instOrder[1:]
		}
		inst = &RouteMetrics{}
		m.byInst[instanceID] = inst
		m.instOrder = append(m.instOrder, instanceID)
	}
	inst.observe(latency, failed)
}

func (m *RequestMetrics) entry(table map[string]*RouteMetrics, key string) *RouteMetrics {
	rm, ok := table[key]
	if !ok {
		rm = &RouteMetrics{}
		table[key] = rm
	}
	return rm
}

func (rm *RouteMetrics) observe(latency time.Duration, failed bool) {
	ms := latency.Milliseconds()
	if rm.Requests == 0 || ms < rm.MinLatency {
		rm.MinLatency = ms
	}
	if ms > rm.MaxLatency {
		rm.MaxLatency = ms
	}
	rm.Requests++
	if failed {
		rm.Errors++
	}
	rm.TotalLatency += ms
	rm.LastRequest = time.Now()

	switch {
	case ms < 10:
		rm.Buckets.Under10ms++
	case ms < 50:
		rm.Buckets.Under50ms++
	case ms < 100:
		rm.Buckets.Under100ms++
	case ms < 500:
		rm.Buckets.Under500ms++
	case ms < 1000:
		rm.Buckets.Under1000ms++
	default:
		rm.Buckets.Over1000ms++
	}
}

func (rm RouteMetrics) stats() map[string]interface{} {
	var avg, success float64
	if rm.Requests > 0 {
		avg = float64(rm.TotalLatency) / float64(rm.Requests)
		success = float64(rm.Requests-rm.Errors) / float64(rm.Requests) * 100
	}
	return map[string]interface{}{
		"requests":             rm.Requests,
		"errors":               rm.Errors,
		"success_rate":         success,
		"avg_latency_ms":       avg,
		"min_latency_ms":       rm.MinLatency,
		"max_latency_ms":       rm.MaxLatency,
		"last_request":         rm.LastRequest,
		"latency_distribution": rm.Buckets,
	}
}

// Instance returns the counters of one instance
func (m *RequestMetrics) Instance(id string) (RouteMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rm, ok := m.byInst[id]
	if !ok {
		return RouteMetrics{}, false
	}
	return *rm, true
}

// Type returns the counters of one capability type
func (m *RequestMetrics) Type(capType string) (RouteMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rm, ok := m.byType[capType]
	if !ok {
		return RouteMetrics{}, false
	}
	return *rm, true
}

// Types returns a copy of the per capability type counters
func (m *RequestMetrics) Types() map[string]RouteMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]RouteMetrics, len(m.byType))
	for key, rm := range m.byType {
		out[key] = *rm
	}
	return out
}

// SuccessRate returns the overall success percentage
func (m *RequestMetrics) SuccessRate() float64 {
	total := atomic.LoadInt64(&m.totalRequests)
	if total == 0 {
		return 0
	}
	return float64(total-atomic.LoadInt64(&m.totalErrors)) / float64(total) * 100
}

// GetStats returns current statistics
func (m *RequestMetrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	types := make(map[string]interface{}, len(m.byType))
	for key, rm := range m.byType {
		types[key] = rm.stats()
	}
	m.mu.RUnlock()

	return map[string]interface{}{
		"total_requests":       atomic.LoadInt64(&m.totalRequests),
		"total_errors":         atomic.LoadInt64(&m.totalErrors),
		"overall_success_rate": m.SuccessRate(),
		"capability_types":     types,
		"uptime":               time.Since(m.started).String(),
	}
}

// Reset clears every counter
func (m *RequestMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.totalRequests, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	m.byType = make(map[string]*RouteMetrics)
	m.byInst = make(map[string]*RouteMetrics)
	m.instOrder = nil
}
