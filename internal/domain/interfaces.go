package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Transport invokes a method on a backend instance. Stream, request/response
// and raw-socket implementations are interchangeable.
type Transport interface {
	Invoke(ctx context.Context, addr Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Prober performs one protocol-appropriate health probe
type Prober interface {
	Probe(ctx context.Context, addr Address, healthPath string) error
}

// InstanceSpec describes an instance to be created by a deployment provider
type InstanceSpec struct {
	Group  string             `json:"group"`
	Config BackendGroupConfig `json:"config"`
}

// InstanceHandle identifies a deployed instance and where it listens
type InstanceHandle struct {
	ID      string  `json:"id"`
	Address Address `json:"address"`
}

// ResourceUsage is one CPU/memory sample for a deployed instance
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// DeploymentProvider abstracts over process, container and orchestrated
// platform backends
type DeploymentProvider interface {
	// Name returns the provider name for logging
	Name() string
	// Deploy creates and starts one instance
	Deploy(ctx context.Context, spec InstanceSpec) (InstanceHandle, error)
	// Update starts a replacement for handle running spec. The old instance
	// keeps serving until it is deleted.
	Update(ctx context.Context, handle InstanceHandle, spec InstanceSpec) (InstanceHandle, error)
	// Scale creates instances until the provider runs at least replicas for
	// spec.Group and returns every handle of that group
	Scale(ctx context.Context, spec InstanceSpec, replicas int) ([]InstanceHandle, error)
	// Rollback starts a replacement for handle running a previous spec
	Rollback(ctx context.Context, handle InstanceHandle, spec InstanceSpec) (InstanceHandle, error)
	// Delete stops and removes an instance
	Delete(ctx context.Context, handle InstanceHandle) error
	// Logs returns up to lines recent log lines
	Logs(ctx context.Context, handle InstanceHandle, lines int) ([]string, error)
	// Exec runs a command in the instance's environment
	Exec(ctx context.Context, handle InstanceHandle, command []string) (string, error)
	// Metrics samples resource usage
	Metrics(ctx context.Context, handle InstanceHandle) (ResourceUsage, error)
}

// Store persists registration state across restarts. A no-op implementation
// is valid for ephemeral deployments.
type Store interface {
	Save(ctx context.Context, meta InstanceMetadata) error
	Remove(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]InstanceMetadata, error)
	SaveGroup(ctx context.Context, cfg BackendGroupConfig) error
	RemoveGroup(ctx context.Context, name string) error
	LoadGroups(ctx context.Context) ([]BackendGroupConfig, error)
	Close() error
}
