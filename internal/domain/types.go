package domain

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol is the way an instance is reached
type Protocol string

const (
	// ProtocolStream is a persistent stream-oriented connection
	ProtocolStream Protocol = "stream"
	// ProtocolHTTP is a request/response call
	ProtocolHTTP Protocol = "http"
	// ProtocolTCP is a raw socket exchange
	ProtocolTCP Protocol = "tcp"
)

// Validate checks the protocol is one of the known values
func (p Protocol) Validate() error {
	switch p {
	case ProtocolStream, ProtocolHTTP, ProtocolTCP:
		return nil
	default:
		return fmt.Errorf("unsupported protocol %q", p)
	}
}

// LifecycleStatus is the process-level state of an instance
type LifecycleStatus string

const (
	LifecycleStarting  LifecycleStatus = "starting"
	LifecycleRunning   LifecycleStatus = "running"
	LifecycleStopping  LifecycleStatus = "stopping"
	LifecycleStopped   LifecycleStatus = "stopped"
	LifecycleError     LifecycleStatus = "error"
	LifecycleUnhealthy LifecycleStatus = "unhealthy"
)

// HealthStatus is the probe-driven state of an instance
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	// HealthDraining excludes the instance from selection while in-flight work finishes
	HealthDraining HealthStatus = "draining"
)

// Address is the network location of an instance
type Address struct {
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	// Path is the request path for http backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Endpoint returns host:port
func (a Address) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// HealthCheckRecord is the rolling outcome of health probes for one instance
type HealthCheckRecord struct {
	LastCheck            time.Time     `json:"last_check"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastLatency          time.Duration `json:"last_latency"`
	LastError            string        `json:"last_error,omitempty"`
}

// InstanceMetrics is a snapshot of runtime metrics for one instance
type InstanceMetrics struct {
	RequestCount  int64         `json:"request_count"`
	ErrorCount    int64         `json:"error_count"`
	AvgLatency    time.Duration `json:"avg_latency"`
	Connections   int64         `json:"connections"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	MemoryMB      float64       `json:"memory_mb"`
	SampledAt     time.Time     `json:"sampled_at,omitempty"`
}

// MetricsDelta is merged into an instance's metrics. Counters add; set fields
// are last-write-wins and only applied when non-nil.
type MetricsDelta struct {
	Requests      int64
	Errors        int64
	Latency       *time.Duration
	Connections   *int64
	CPUPercent    *float64
	MemoryPercent *float64
	MemoryMB      *float64
}

// Thresholds are the consecutive probe counts needed to flip health
type Thresholds struct {
	Healthy   int
	Unhealthy int
}

// HealthTransition describes a health status change caused by a probe
type HealthTransition struct {
	From HealthStatus
	To   HealthStatus
}

// InstanceMetadata is the registration record of an instance. It is what the
// registry persists and restores.
type InstanceMetadata struct {
	ID           string            `json:"id" yaml:"id"`
	Group        string            `json:"group" yaml:"group"`
	Type         CapabilityType    `json:"type" yaml:"type"`
	Address      Address           `json:"address" yaml:"address"`
	Region       string            `json:"region,omitempty" yaml:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	AffinityKeys []string          `json:"affinity_keys,omitempty" yaml:"affinity_keys,omitempty"`
	Weight       float64           `json:"weight" yaml:"weight"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty"`
	Handle       string            `json:"handle,omitempty" yaml:"handle,omitempty"`
	Lifecycle    LifecycleStatus   `json:"lifecycle" yaml:"lifecycle"`
	Health       HealthStatus      `json:"health" yaml:"health"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
}

// Validate checks the fields required to register an instance
func (m InstanceMetadata) Validate() error {
	if m.Address.Host == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if m.Address.Port < 1 || m.Address.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", m.Address.Port)
	}
	if err := m.Address.Protocol.Validate(); err != nil {
		return err
	}
	if m.Weight < 0 {
		return fmt.Errorf("weight cannot be negative: %v", m.Weight)
	}
	return nil
}

// InstanceSnapshot is a consistent point-in-time copy of an instance
type InstanceSnapshot struct {
	InstanceMetadata
	Check   HealthCheckRecord `json:"health_check"`
	Metrics InstanceMetrics   `json:"metrics"`
}

// BackendInstance is one running worker. Identity fields are immutable after
// creation; mutable state is guarded by the instance's own lock so probing or
// recording against one instance never contends with another.
type BackendInstance struct {
	ID           string
	Group        string
	Type         CapabilityType
	Address      Address
	Region       string
	Tags         map[string]string
	Capabilities []string
	AffinityKeys []string
	Version      string
	Handle       string
	CreatedAt    time.Time

	connections int64

	mu        sync.RWMutex
	weight    float64
	lifecycle LifecycleStatus
	health    HealthStatus
	check     HealthCheckRecord
	metrics   InstanceMetrics
}

// NewBackendInstance creates an instance from its metadata
func NewBackendInstance(meta InstanceMetadata) *BackendInstance {
	lifecycle := meta.Lifecycle
	if lifecycle == "" {
		lifecycle = LifecycleStarting
	}
	health := meta.Health
	if health == "" {
		health = HealthUnknown
	}
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return &BackendInstance{
		ID:           meta.ID,
		Group:        meta.Group,
		Type:         meta.Type,
		Address:      meta.Address,
		Region:       meta.Region,
		Tags:         copyTags(meta.Tags),
		Capabilities: append([]string(nil), meta.Capabilities...),
		AffinityKeys: append([]string(nil), meta.AffinityKeys...),
		Version:      meta.Version,
		Handle:       meta.Handle,
		CreatedAt:    created,
		weight:       meta.Weight,
		lifecycle:    lifecycle,
		health:       health,
	}
}

// Metadata returns the current registration record
func (b *BackendInstance) Metadata() InstanceMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadataLocked()
}

func (b *BackendInstance) metadataLocked() InstanceMetadata {
	return InstanceMetadata{
		ID:           b.ID,
		Group:        b.Group,
		Type:         b.Type,
		Address:      b.Address,
		Region:       b.Region,
		Tags:         copyTags(b.Tags),
		Capabilities: append([]string(nil), b.Capabilities...),
		AffinityKeys: append([]string(nil), b.AffinityKeys...),
		Weight:       b.weight,
		Version:      b.Version,
		Handle:       b.Handle,
		Lifecycle:    b.lifecycle,
		Health:       b.health,
		CreatedAt:    b.CreatedAt,
	}
}

// Snapshot returns a consistent copy of the instance state
func (b *BackendInstance) Snapshot() InstanceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	metrics := b.metrics
	metrics.Connections = atomic.LoadInt64(&b.connections)
	return InstanceSnapshot{
		InstanceMetadata: b.metadataLocked(),
		Check:            b.check,
		Metrics:          metrics,
	}
}

// Health returns the current health status
func (b *BackendInstance) Health() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// Lifecycle returns the current lifecycle status
func (b *BackendInstance) Lifecycle() LifecycleStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle
}

// SetLifecycle updates the lifecycle status
func (b *BackendInstance) SetLifecycle(status LifecycleStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycle = status
}

// IsSelectable reports whether the instance may receive new requests
func (b *BackendInstance) IsSelectable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health == HealthHealthy && b.lifecycle == LifecycleRunning
}

// HealthCheck returns the latest probe record
func (b *BackendInstance) HealthCheck() HealthCheckRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.check
}

// Weight returns the selection weight
func (b *BackendInstance) Weight() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.weight
}

// SetWeight overrides the selection weight
func (b *BackendInstance) SetWeight(weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weight = weight
}

// Metrics returns a copy of the runtime metrics
func (b *BackendInstance) Metrics() InstanceMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	metrics := b.metrics
	metrics.Connections = atomic.LoadInt64(&b.connections)
	return metrics
}

// IncrementConnections atomically increments the active connection count
func (b *BackendInstance) IncrementConnections() {
	atomic.AddInt64(&b.connections, 1)
}

// DecrementConnections atomically decrements the active connection count
func (b *BackendInstance) DecrementConnections() {
	atomic.AddInt64(&b.connections, -1)
}

// Connections returns the current number of active connections
func (b *BackendInstance) Connections() int64 {
	return atomic.LoadInt64(&b.connections)
}

// ApplyMetrics merges a delta into the runtime metrics
func (b *BackendInstance) ApplyMetrics(delta MetricsDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if delta.Latency != nil && delta.Requests > 0 {
		// running average over all recorded requests
		prev := b.metrics.RequestCount
		total := prev + delta.Requests
		avg := float64(b.metrics.AvgLatency)*float64(prev)/float64(total) +
			float64(*delta.Latency)*float64(delta.Requests)/float64(total)
		b.metrics.AvgLatency = time.Duration(avg)
	}
	b.metrics.RequestCount += delta.Requests
	b.metrics.ErrorCount += delta.Errors

	if delta.Connections != nil {
		atomic.StoreInt64(&b.connections, *delta.Connections)
	}
	sampled := false
	if delta.CPUPercent != nil {
		b.metrics.CPUPercent = *delta.CPUPercent
		sampled = true
	}
	if delta.MemoryPercent != nil {
		b.metrics.MemoryPercent = *delta.MemoryPercent
		sampled = true
	}
	if delta.MemoryMB != nil {
		b.metrics.MemoryMB = *delta.MemoryMB
		sampled = true
	}
	if sampled {
		b.metrics.SampledAt = time.Now()
	}
}

// RecordProbe applies one probe outcome to the health state machine. Status
// only flips after the configured number of consecutive outcomes, and a
// draining instance keeps its status regardless of outcome.
func (b *BackendInstance) RecordProbe(probeErr error, latency time.Duration, th Thresholds) (HealthTransition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.check.LastCheck = time.Now()
	b.check.LastLatency = latency
	from := b.health

	if probeErr == nil {
		b.check.ConsecutiveSuccesses++
		b.check.ConsecutiveFailures = 0
		b.check.LastError = ""
		if from != HealthHealthy && from != HealthDraining && b.check.ConsecutiveSuccesses >= th.Healthy {
			b.health = HealthHealthy
			if b.lifecycle == LifecycleStarting || b.lifecycle == LifecycleUnhealthy {
				b.lifecycle = LifecycleRunning
			}
		}
	} else {
		b.check.ConsecutiveFailures++
		b.check.ConsecutiveSuccesses = 0
		b.check.LastError = probeErr.Error()
		if from != HealthUnhealthy && from != HealthDraining && b.check.ConsecutiveFailures >= th.Unhealthy {
			b.health = HealthUnhealthy
			if b.lifecycle == LifecycleRunning || b.lifecycle == LifecycleStarting {
				b.lifecycle = LifecycleUnhealthy
			}
		}
	}

	if b.health != from {
		return HealthTransition{From: from, To: b.health}, true
	}
	return HealthTransition{From: from, To: from}, false
}

// Drain marks the instance draining. It reports whether the status changed.
func (b *BackendInstance) Drain() (HealthTransition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.health
	b.health = HealthDraining
	return HealthTransition{From: from, To: HealthDraining}, from != HealthDraining
}

// Undrain clears draining. The instance returns to healthy only if its latest
// consecutive successes already meet the healthy threshold.
func (b *BackendInstance) Undrain(healthyThreshold int) (HealthTransition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.health != HealthDraining {
		return HealthTransition{From: b.health, To: b.health}, false
	}
	if b.check.ConsecutiveSuccesses >= healthyThreshold {
		b.health = HealthHealthy
		if b.lifecycle == LifecycleStarting || b.lifecycle == LifecycleUnhealthy {
			b.lifecycle = LifecycleRunning
		}
	} else {
		b.health = HealthUnknown
	}
	return HealthTransition{From: HealthDraining, To: b.health}, true
}

// HasTag reports whether the instance carries key=value
func (b *BackendInstance) HasTag(key, value string) bool {
	v, ok := b.Tags[key]
	return ok && v == value
}

// HasCapabilities reports whether the instance offers all the named capabilities
func (b *BackendInstance) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range b.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// OwnsAffinityKey reports whether the instance declares the given affinity key
func (b *BackendInstance) OwnsAffinityKey(key string) bool {
	for _, k := range b.AffinityKeys {
		if k == key {
			return true
		}
	}
	return false
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
