package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

type fakeProber struct {
	mu    sync.Mutex
	check func(addr domain.Address) error
	calls map[string]int
}

func newFakeProber(check func(addr domain.Address) error) *fakeProber {
	if check == nil {
		check = func(domain.Address) error { return nil }
	}
	return &fakeProber{check: check, calls: make(map[string]int)}
}

func (p *fakeProber) Probe(ctx context.Context, addr domain.Address, _ string) error {
	p.mu.Lock()
	p.calls[addr.Endpoint()]++
	check := p.check
	p.mu.Unlock()
	return check(addr)
}

func (p *fakeProber) setCheck(check func(addr domain.Address) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.check = check
}

type fakeTransport struct {
	invoke func(ctx context.Context, addr domain.Address, method string) (json.RawMessage, error)

	mu    sync.Mutex
	calls []string
}

func (t *fakeTransport) Invoke(ctx context.Context, addr domain.Address, method string, _ json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	t.calls = append(t.calls, addr.Endpoint())
	t.mu.Unlock()
	if t.invoke == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return t.invoke(ctx, addr, method)
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type fakeDeployment struct {
	handle  domain.InstanceHandle
	group   string
	version string
}

// fakeProvider hands out loopback addresses and remembers which spec
// version each one runs
type fakeProvider struct {
	mu          sync.Mutex
	next        int
	deployments map[string]fakeDeployment
	byPort      map[int]string
	usage       domain.ResourceUsage
	deleted     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		deployments: make(map[string]fakeDeployment),
		byPort:      make(map[int]string),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Deploy(_ context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deployLocked(spec), nil
}

func (p *fakeProvider) deployLocked(spec domain.InstanceSpec) domain.InstanceHandle {
	p.next++
	protocol := spec.Config.Protocol
	if protocol == "" {
		protocol = domain.ProtocolHTTP
	}
	handle := domain.InstanceHandle{
		ID:      fmt.Sprintf("h-%d", p.next),
		Address: domain.Address{Protocol: protocol, Host: "127.0.0.1", Port: 20000 + p.next},
	}
	p.deployments[handle.ID] = fakeDeployment{handle: handle, group: spec.Group, version: spec.Config.Version}
	p.byPort[handle.Address.Port] = spec.Config.Version
	return handle
}

func (p *fakeProvider) Update(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

func (p *fakeProvider) Rollback(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

func (p *fakeProvider) Scale(_ context.Context, spec domain.InstanceSpec, replicas int) ([]domain.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var handles []domain.InstanceHandle
	for _, d := range p.deployments {
		if d.group == spec.Group {
			handles = append(handles, d.handle)
		}
	}
	for len(handles) < replicas {
		handles = append(handles, p.deployLocked(spec))
	}
	return handles, nil
}

func (p *fakeProvider) Delete(_ context.Context, handle domain.InstanceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deployments, handle.ID)
	p.deleted = append(p.deleted, handle.ID)
	return nil
}

func (p *fakeProvider) Logs(_ context.Context, handle domain.InstanceHandle, lines int) ([]string, error) {
	return []string{"started " + handle.ID}, nil
}

func (p *fakeProvider) Exec(_ context.Context, handle domain.InstanceHandle, command []string) (string, error) {
	return fmt.Sprintf("%s:%v", handle.ID, command), nil
}

func (p *fakeProvider) Metrics(_ context.Context, _ domain.InstanceHandle) (domain.ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage, nil
}

func (p *fakeProvider) versionAt(addr domain.Address) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byPort[addr.Port]
}

func (p *fakeProvider) running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deployments)
}

type memStore struct {
	mu        sync.Mutex
	instances map[string]domain.InstanceMetadata
	groups    map[string]domain.BackendGroupConfig
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]domain.InstanceMetadata),
		groups:    make(map[string]domain.BackendGroupConfig),
	}
}

func (s *memStore) Save(_ context.Context, meta domain.InstanceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[meta.ID] = meta
	return nil
}

func (s *memStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]domain.InstanceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InstanceMetadata, 0, len(s.instances))
	for _, m := range s.instances {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) SaveGroup(_ context.Context, cfg domain.BackendGroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[cfg.Name] = cfg
	return nil
}

func (s *memStore) RemoveGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, name)
	return nil
}

func (s *memStore) LoadGroups(context.Context) ([]domain.BackendGroupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BackendGroupConfig, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func testHealthConfig() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Interval:           10 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
		Path:               "/health",
	}
}

func testRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HealthCheck: testHealthConfig(),
		CircuitBreaker: domain.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
		},
		LoadBalancer: LoadBalancerConfig{Strategy: domain.RoundRobinStrategy},
	}
}

func newTestRegistry(t *testing.T, config RegistryConfig, store domain.Store, prober domain.Prober) *Registry {
	t.Helper()
	reg, err := NewRegistry(config, store, prober, nil, logger.NewNop())
	require.NoError(t, err)
	return reg
}

func customGroup(name string, min, max int) domain.BackendGroupConfig {
	return domain.BackendGroupConfig{
		Name:         name,
		Type:         domain.Custom(name),
		Version:      "v1",
		Protocol:     domain.ProtocolHTTP,
		MinInstances: min,
		MaxInstances: max,
	}
}

func instanceMeta(port int) domain.InstanceMetadata {
	return domain.InstanceMetadata{
		Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "127.0.0.1", Port: port},
	}
}

// eventually polls cond until it holds or fails the test
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func testInstance(id string, weight float64) *domain.BackendInstance {
	return domain.NewBackendInstance(domain.InstanceMetadata{
		ID:      id,
		Group:   "g",
		Type:    domain.Builtin(domain.KindFilesystem),
		Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "127.0.0.1", Port: 9000},
		Weight:  weight,
	})
}
