// Package deploy provides deployment providers: a static pool of
// pre-provisioned endpoints and a local process launcher.
package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// StaticConfig lists the endpoints available to each group
type StaticConfig struct {
	Pools map[string][]domain.Address `yaml:"pools" json:"pools"`
}

// StaticProvider hands out pre-provisioned endpoints. Deploy takes a free
// endpoint of the group's pool and Delete returns it. A rolling update needs
// at least one spare endpoint.
type StaticProvider struct {
	logger *logger.Logger

	mu      sync.Mutex
	pools   map[string][]domain.Address
	inUse   map[string]domain.InstanceHandle
	byGroup map[string]map[string]struct{}
	usage   map[string]domain.ResourceUsage
}

var _ domain.DeploymentProvider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider over config's pools
func NewStaticProvider(config StaticConfig, log *logger.Logger) *StaticProvider {
	pools := make(map[string][]domain.Address, len(config.Pools))
	for group, addrs := range config.Pools {
		pools[group] = append([]domain.Address(nil), addrs...)
	}
	return &StaticProvider{
		logger:  log.DeployLogger("static"),
		pools:   pools,
		inUse:   make(map[string]domain.InstanceHandle),
		byGroup: make(map[string]map[string]struct{}),
		usage:   make(map[string]domain.ResourceUsage),
	}
}

// Name returns the provider name
func (p *StaticProvider) Name() string { return "static" }

func staticHandleID(group string, addr domain.Address) string {
	return group + "/" + addr.Endpoint()
}

// take claims the first free endpoint of spec's group. Callers hold p.mu.
func (p *StaticProvider) take(spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	for _, addr := range p.pools[spec.Group] {
		id := staticHandleID(spec.Group, addr)
		if _, busy := p.inUse[id]; busy {
			continue
		}
		if addr.Protocol == "" {
			addr.Protocol = spec.Config.Protocol
		}
		if addr.Protocol == "" {
			addr.Protocol = domain.ProtocolHTTP
		}
		if addr.Path == "" {
			addr.Path = spec.Config.Path
		}
		handle := domain.InstanceHandle{ID: id, Address: addr}
		p.inUse[id] = handle
		if p.byGroup[spec.Group] == nil {
			p.byGroup[spec.Group] = make(map[string]struct{})
		}
		p.byGroup[spec.Group][id] = struct{}{}

		p.logger.WithField("group", spec.Group).WithField("endpoint", addr.Endpoint()).Info("Assigned static endpoint")
		return handle, nil
	}
	return domain.InstanceHandle{}, apperrors.NewError(apperrors.ErrCodeExecutionFailed, "static_provider",
		fmt.Sprintf("no free endpoint in pool for group %s", spec.Group)).WithMetadata("group", spec.Group)
}

// Deploy assigns a free endpoint
func (p *StaticProvider) Deploy(_ context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.take(spec)
}

// Update assigns a second endpoint for the replacement
func (p *StaticProvider) Update(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

// Rollback assigns a second endpoint for the restored instance
func (p *StaticProvider) Rollback(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

// Scale claims endpoints until the group holds replicas or the pool runs dry
func (p *StaticProvider) Scale(_ context.Context, spec domain.InstanceSpec, replicas int) ([]domain.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for len(p.byGroup[spec.Group]) < replicas {
		if _, err = p.take(spec); err != nil {
			break
		}
	}
	handles := p.groupHandles(spec.Group)
	if len(handles) == 0 && err != nil {
		return nil, err
	}
	return handles, nil
}

func (p *StaticProvider) groupHandles(group string) []domain.InstanceHandle {
	out := make([]domain.InstanceHandle, 0, len(p.byGroup[group]))
	for id := range p.byGroup[group] {
		out = append(out, p.inUse[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete releases the endpoint back to the pool
func (p *StaticProvider) Delete(_ context.Context, handle domain.InstanceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[handle.ID]; !ok {
		return apperrors.NewNotFoundError("static_provider", "handle", handle.ID)
	}
	delete(p.inUse, handle.ID)
	delete(p.usage, handle.ID)
	for group, ids := range p.byGroup {
		delete(ids, handle.ID)
		if len(ids) == 0 {
			delete(p.byGroup, group)
		}
	}
	p.logger.WithField("endpoint", handle.Address.Endpoint()).Info("Released static endpoint")
	return nil
}

// Logs is not available for externally managed endpoints
func (p *StaticProvider) Logs(context.Context, domain.InstanceHandle, int) ([]string, error) {
	return nil, apperrors.NewError(apperrors.ErrCodeInvalidConfig, "static_provider", "logs are not supported by the static provider")
}

// Exec is not available for externally managed endpoints
func (p *StaticProvider) Exec(context.Context, domain.InstanceHandle, []string) (string, error) {
	return "", apperrors.NewError(apperrors.ErrCodeInvalidConfig, "static_provider", "exec is not supported by the static provider")
}

// SetUsage records an externally observed resource sample for an endpoint
func (p *StaticProvider) SetUsage(handleID string, usage domain.ResourceUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[handleID] = usage
}

// Metrics returns the last sample set with SetUsage
func (p *StaticProvider) Metrics(_ context.Context, handle domain.InstanceHandle) (domain.ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usage, ok := p.usage[handle.ID]
	if !ok {
		return domain.ResourceUsage{}, apperrors.NewNotFoundError("static_provider", "metrics", handle.ID)
	}
	return usage, nil
}

// GetStats returns pool occupancy per group
func (p *StaticProvider) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	pools := make(map[string]interface{}, len(p.pools))
	for group, addrs := range p.pools {
		pools[group] = map[string]interface{}{
			"size":   len(addrs),
			"in_use": len(p.byGroup[group]),
		}
	}
	return map[string]interface{}{
		"provider": p.Name(),
		"pools":    pools,
	}
}
