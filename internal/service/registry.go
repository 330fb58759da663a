package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

const registryComponent = "registry"

// RegistryConfig holds the cluster defaults applied to groups that set none
type RegistryConfig struct {
	HealthCheck    domain.HealthCheckConfig
	CircuitBreaker domain.CircuitBreakerConfig
	LoadBalancer   LoadBalancerConfig
	// StoreTimeout bounds each persistence call
	StoreTimeout time.Duration
}

type registeredInstance struct {
	inst    *domain.BackendInstance
	breaker *CircuitBreaker
}

type registeredGroup struct {
	config  domain.BackendGroupConfig
	members map[string]struct{}
}

// HealthReport is the aggregate health of the catalog
type HealthReport struct {
	Status    string                 `json:"status"`
	Total     int                    `json:"total"`
	Healthy   int                    `json:"healthy"`
	Unhealthy int                    `json:"unhealthy"`
	Unknown   int                    `json:"unknown"`
	Draining  int                    `json:"draining"`
	Groups    map[string]GroupHealth `json:"groups"`
	Timestamp time.Time              `json:"timestamp"`
}

// GroupHealth is the per-group part of a HealthReport
type GroupHealth struct {
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Healthy int    `json:"healthy"`
}

// Overall health classes
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ClassifyHealth maps a healthy share onto healthy (>=90%), degraded (>=50%)
// or unhealthy. An empty set is unhealthy since nothing can serve.
func ClassifyHealth(healthy, total int) string {
	if total == 0 {
		return StatusUnhealthy
	}
	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.9:
		return StatusHealthy
	case ratio >= 0.5:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Registry owns the catalog of backend groups and instances. The catalog
// lock only guards membership; per-instance state is synchronized by the
// instance itself, so selection never waits on a probe write.
type Registry struct {
	config  RegistryConfig
	store   domain.Store
	monitor *HealthMonitor
	lb      *LoadBalancer
	bus     *EventBus
	logger  *logger.Logger
	base    *logger.Logger

	mu        sync.RWMutex
	groups    map[string]*registeredGroup
	instances map[string]*registeredInstance
	byType    map[string]map[string]struct{}
	started   bool
}

// NewRegistry creates a registry. store may be nil for ephemeral
// deployments and bus may be nil to create a private one.
func NewRegistry(config RegistryConfig, store domain.Store, prober domain.Prober, bus *EventBus, log *logger.Logger) (*Registry, error) {
	if err := config.HealthCheck.Validate(); err != nil {
		return nil, apperrors.NewInvalidConfigError(registryComponent, "%v", err)
	}
	if err := config.CircuitBreaker.Validate(); err != nil {
		return nil, apperrors.NewInvalidConfigError(registryComponent, "%v", err)
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if bus == nil {
		bus = NewEventBus()
	}

	lb, err := NewLoadBalancer(config.LoadBalancer, log)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidConfig, registryComponent, "invalid load balancer configuration")
	}

	r := &Registry{
		config:    config,
		store:     store,
		lb:        lb,
		bus:       bus,
		logger:    log.RegistryLogger(),
		base:      log,
		groups:    make(map[string]*registeredGroup),
		instances: make(map[string]*registeredInstance),
		byType:    make(map[string]map[string]struct{}),
	}
	r.monitor = NewHealthMonitor(config.HealthCheck, prober, r, bus, log)
	return r, nil
}

// Start restores persisted state and starts the health monitor
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("registry is already started")
	}
	r.started = true
	r.mu.Unlock()

	if err := r.restore(ctx); err != nil {
		r.logger.WithError(err).Error("Failed to restore registry state")
	}
	return r.monitor.Start(ctx)
}

// Stop stops the health monitor
func (r *Registry) Stop() error {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return r.monitor.Stop()
}

func (r *Registry) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.config.StoreTimeout)
}

// restore reloads groups and instances. Restored instances start over as
// starting/unknown and must re-earn health.
func (r *Registry) restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	groups, err := r.store.LoadGroups(sctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	metas, err := r.store.LoadAll(sctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}

	r.mu.Lock()
	for _, cfg := range groups {
		if _, ok := r.groups[cfg.Name]; !ok {
			r.groups[cfg.Name] = &registeredGroup{config: cfg.Clone(), members: make(map[string]struct{})}
		}
	}
	var restored []*domain.BackendInstance
	for _, meta := range metas {
		group, ok := r.groups[meta.Group]
		if !ok {
			r.logger.WithField("instance_id", meta.ID).WithField("group", meta.Group).
				Warn("Skipping persisted instance of unknown group")
			continue
		}
		if _, exists := r.instances[meta.ID]; exists {
			continue
		}
		meta.Lifecycle = domain.LifecycleStarting
		meta.Health = domain.HealthUnknown
		inst := r.addLocked(group, meta)
		restored = append(restored, inst)
	}
	r.mu.Unlock()

	for _, inst := range restored {
		r.monitor.Schedule(inst)
	}
	r.logger.Infof("Restored %d groups and %d instances", len(groups), len(restored))
	return nil
}

// RegisterGroup adds a backend group
func (r *Registry) RegisterGroup(ctx context.Context, cfg domain.BackendGroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.NewInvalidConfigError(registryComponent, "%v", err).WithMetadata("group", cfg.Name)
	}

	r.mu.Lock()
	if _, exists := r.groups[cfg.Name]; exists {
		r.mu.Unlock()
		return apperrors.NewInvalidConfigError(registryComponent, "group %q is already registered", cfg.Name).
			WithMetadata("group", cfg.Name)
	}
	r.groups[cfg.Name] = &registeredGroup{config: cfg.Clone(), members: make(map[string]struct{})}
	r.mu.Unlock()

	r.persistGroup(ctx, cfg)
	r.logger.WithField("group", cfg.Name).WithField("type", cfg.Type.String()).Info("Registered backend group")
	return nil
}

// UpdateGroup replaces a group's configuration. Existing instances keep
// their identity; new instances and breakers use the new values.
func (r *Registry) UpdateGroup(ctx context.Context, cfg domain.BackendGroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.NewInvalidConfigError(registryComponent, "%v", err).WithMetadata("group", cfg.Name)
	}

	r.mu.Lock()
	group, ok := r.groups[cfg.Name]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFoundError(registryComponent, "group", cfg.Name)
	}
	if group.config.Type != cfg.Type {
		r.mu.Unlock()
		return apperrors.NewInvalidConfigError(registryComponent, "group %q cannot change type from %s to %s",
			cfg.Name, group.config.Type, cfg.Type).WithMetadata("group", cfg.Name)
	}
	group.config = cfg.Clone()
	r.mu.Unlock()

	r.persistGroup(ctx, cfg)
	r.logger.WithField("group", cfg.Name).WithField("version", cfg.Version).Info("Updated backend group")
	return nil
}

// UnregisterGroup removes a group and cascades to its instances. It returns
// the metadata of the removed instances.
func (r *Registry) UnregisterGroup(ctx context.Context, name string) ([]domain.InstanceMetadata, error) {
	r.mu.Lock()
	group, ok := r.groups[name]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.NewNotFoundError(registryComponent, "group", name)
	}
	var removed []domain.InstanceMetadata
	for id := range group.members {
		if entry := r.removeLocked(id); entry != nil {
			removed = append(removed, entry.inst.Metadata())
		}
	}
	delete(r.groups, name)
	r.mu.Unlock()

	for _, meta := range removed {
		r.forget(ctx, meta)
	}
	if r.store != nil {
		sctx, cancel := r.storeCtx(ctx)
		if err := r.store.RemoveGroup(sctx, name); err != nil {
			r.logger.WithError(err).WithField("group", name).Error("Failed to remove persisted group")
		}
		cancel()
	}

	r.logger.WithField("group", name).WithField("instances", len(removed)).Info("Unregistered backend group")
	return removed, nil
}

// Group returns a copy of a group's configuration
func (r *Registry) Group(name string) (domain.BackendGroupConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.groups[name]
	if !ok {
		return domain.BackendGroupConfig{}, false
	}
	return group.config.Clone(), true
}

// Groups returns every group's configuration sorted by name
func (r *Registry) Groups() []domain.BackendGroupConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.BackendGroupConfig, 0, len(r.groups))
	for _, group := range r.groups {
		out = append(out, group.config.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register validates and adds an instance to its group, creating the group
// when it is not yet known. The instance starts as starting/unknown and a
// health probe is scheduled immediately.
func (r *Registry) Register(ctx context.Context, cfg domain.BackendGroupConfig, meta domain.InstanceMetadata) (string, error) {
	if meta.Group == "" {
		meta.Group = cfg.Name
	}
	if cfg.Name == "" {
		cfg.Name = meta.Group
	}
	if meta.Group != cfg.Name {
		return "", apperrors.NewInvalidConfigError(registryComponent, "instance group %q does not match group %q", meta.Group, cfg.Name)
	}

	r.mu.RLock()
	existing, known := r.groups[cfg.Name]
	if known {
		cfg = existing.config.Clone()
	}
	r.mu.RUnlock()

	if err := cfg.Validate(); err != nil {
		return "", apperrors.NewInvalidConfigError(registryComponent, "%v", err).WithMetadata("group", cfg.Name)
	}
	if meta.Type.IsZero() {
		meta.Type = cfg.Type
	}
	if meta.Type != cfg.Type {
		return "", apperrors.NewInvalidConfigError(registryComponent, "instance type %s does not match group type %s", meta.Type, cfg.Type).
			WithMetadata("group", cfg.Name)
	}
	if meta.Address.Protocol == "" {
		meta.Address.Protocol = cfg.Protocol
	}
	if meta.Address.Path == "" {
		meta.Address.Path = cfg.Path
	}
	if err := meta.Validate(); err != nil {
		return "", apperrors.NewInvalidConfigError(registryComponent, "%v", err).WithMetadata("group", cfg.Name)
	}

	if meta.Weight == 0 {
		meta.Weight = cfg.Weight
		if meta.Weight == 0 {
			meta.Weight = 1
		}
	}
	if meta.Region == "" {
		meta.Region = cfg.Region
	}
	if meta.Version == "" {
		meta.Version = cfg.Version
	}
	if len(meta.Capabilities) == 0 {
		meta.Capabilities = append([]string(nil), cfg.Capabilities...)
	}
	if meta.Tags == nil && cfg.Tags != nil {
		meta.Tags = make(map[string]string, len(cfg.Tags))
		for k, v := range cfg.Tags {
			meta.Tags[k] = v
		}
	}
	meta.ID = uuid.NewString()
	meta.Lifecycle = domain.LifecycleStarting
	meta.Health = domain.HealthUnknown
	meta.CreatedAt = time.Now()

	r.mu.Lock()
	group, ok := r.groups[cfg.Name]
	created := false
	if !ok {
		group = &registeredGroup{config: cfg.Clone(), members: make(map[string]struct{})}
		r.groups[cfg.Name] = group
		created = true
	}
	inst := r.addLocked(group, meta)
	r.mu.Unlock()

	if created {
		r.persistGroup(ctx, cfg)
	}
	r.persistInstance(ctx, inst.Metadata())

	r.logger.InstanceLogger(inst.ID, inst.Group).
		WithField("endpoint", inst.Address.Endpoint()).
		WithField("protocol", string(inst.Address.Protocol)).
		Info("Registered instance")
	addr := inst.Address
	r.bus.Publish(domain.Event{Type: domain.EventInstanceRegistered, InstanceID: inst.ID, Group: inst.Group, Address: &addr})
	r.monitor.Schedule(inst)
	return inst.ID, nil
}

// RegisterInstance adds an instance to an existing group
func (r *Registry) RegisterInstance(ctx context.Context, groupName string, meta domain.InstanceMetadata) (string, error) {
	cfg, ok := r.Group(groupName)
	if !ok {
		return "", apperrors.NewNotFoundError(registryComponent, "group", groupName)
	}
	meta.Group = groupName
	return r.Register(ctx, cfg, meta)
}

func (r *Registry) addLocked(group *registeredGroup, meta domain.InstanceMetadata) *domain.BackendInstance {
	inst := domain.NewBackendInstance(meta)
	cbConfig := r.config.CircuitBreaker
	if group.config.CircuitBreaker != nil {
		cbConfig = *group.config.CircuitBreaker
	}
	breaker := NewCircuitBreaker(inst.ID, cbConfig, r.breakerListener(inst.Group), r.base)

	r.instances[inst.ID] = &registeredInstance{inst: inst, breaker: breaker}
	group.members[inst.ID] = struct{}{}
	key := inst.Type.String()
	if r.byType[key] == nil {
		r.byType[key] = make(map[string]struct{})
	}
	r.byType[key][inst.ID] = struct{}{}
	return inst
}

func (r *Registry) breakerListener(group string) BreakerStateListener {
	return func(instanceID string, from, to BreakerState) {
		r.bus.Publish(domain.Event{
			Type:       domain.EventBreakerChanged,
			InstanceID: instanceID,
			Group:      group,
			From:       string(from),
			To:         string(to),
		})
	}
}

func (r *Registry) removeLocked(id string) *registeredInstance {
	entry, ok := r.instances[id]
	if !ok {
		return nil
	}
	delete(r.instances, id)
	if group, ok := r.groups[entry.inst.Group]; ok {
		delete(group.members, id)
	}
	key := entry.inst.Type.String()
	if ids := r.byType[key]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byType, key)
		}
	}
	return entry
}

// forget drops persisted state and announces a removal
func (r *Registry) forget(ctx context.Context, meta domain.InstanceMetadata) {
	if r.store != nil {
		sctx, cancel := r.storeCtx(ctx)
		if err := r.store.Remove(sctx, meta.ID); err != nil {
			r.logger.WithError(err).WithField("instance_id", meta.ID).Error("Failed to remove persisted instance")
		}
		cancel()
	}
	addr := meta.Address
	r.bus.Publish(domain.Event{Type: domain.EventInstanceUnregistered, InstanceID: meta.ID, Group: meta.Group, Address: &addr})
}

// Unregister removes an instance. It reports whether the id was known; an
// unknown id is a logged no-op.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	entry := r.removeLocked(id)
	r.mu.Unlock()

	if entry == nil {
		r.logger.WithField("instance_id", id).Info("Unregister ignored for unknown instance")
		return false
	}
	r.forget(ctx, entry.inst.Metadata())
	r.logger.InstanceLogger(id, entry.inst.Group).Info("Unregistered instance")
	return true
}

func (r *Registry) persistGroup(ctx context.Context, cfg domain.BackendGroupConfig) {
	if r.store == nil {
		return
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.SaveGroup(sctx, cfg); err != nil {
		r.logger.WithError(err).WithField("group", cfg.Name).Error("Failed to persist group")
	}
}

func (r *Registry) persistInstance(ctx context.Context, meta domain.InstanceMetadata) {
	if r.store == nil {
		return
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.Save(sctx, meta); err != nil {
		r.logger.WithError(err).WithField("instance_id", meta.ID).Error("Failed to persist instance")
	}
}

// Get returns an instance by id
func (r *Registry) Get(id string) (*domain.BackendInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return entry.inst, true
}

// Breaker returns an instance's circuit breaker
func (r *Registry) Breaker(id string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return entry.breaker, true
}

// Instances returns a group's instances, oldest first
func (r *Registry) Instances(group string) []*domain.BackendInstance {
	r.mu.RLock()
	g, ok := r.groups[group]
	var out []*domain.BackendInstance
	if ok {
		out = make([]*domain.BackendInstance, 0, len(g.members))
		for id := range g.members {
			out = append(out, r.instances[id].inst)
		}
	}
	r.mu.RUnlock()

	sortByAge(out)
	return out
}

// All returns every instance, oldest first
func (r *Registry) All() []*domain.BackendInstance {
	r.mu.RLock()
	out := make([]*domain.BackendInstance, 0, len(r.instances))
	for _, entry := range r.instances {
		out = append(out, entry.inst)
	}
	r.mu.RUnlock()

	sortByAge(out)
	return out
}

func sortByAge(instances []*domain.BackendInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}

// GetHealthyInstances returns the selectable instances of a capability type
// passing filter. It only takes the catalog read lock and never blocks on
// network I/O.
func (r *Registry) GetHealthyInstances(capType domain.CapabilityType, filter domain.InstanceFilter) []*domain.BackendInstance {
	r.mu.RLock()
	ids := r.byType[capType.String()]
	candidates := make([]*domain.BackendInstance, 0, len(ids))
	for id := range ids {
		candidates = append(candidates, r.instances[id].inst)
	}
	r.mu.RUnlock()

	healthy := candidates[:0]
	for _, inst := range candidates {
		if inst.IsSelectable() && filter.Matches(inst) {
			healthy = append(healthy, inst)
		}
	}

	if filter.AffinityKey != "" {
		var owners []*domain.BackendInstance
		for _, inst := range healthy {
			if inst.OwnsAffinityKey(filter.AffinityKey) {
				owners = append(owners, inst)
			}
		}
		if len(owners) > 0 {
			healthy = owners
		}
	}

	sortByAge(healthy)
	return healthy
}

// SelectInstance picks one healthy instance for a capability type. It
// returns false when no candidate remains after filtering and exclusions.
func (r *Registry) SelectInstance(capType domain.CapabilityType, hints domain.SelectionHints) (*domain.BackendInstance, bool) {
	healthy := r.GetHealthyInstances(capType, hints.Filter)

	candidates := healthy[:0]
	for _, inst := range healthy {
		if hints.Excludes(inst.ID) {
			continue
		}
		if hints.Group != "" && inst.Group != hints.Group {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	selected := r.lb.Select(candidates, hints, r.strategyFor(candidates, hints))
	return selected, selected != nil
}

// strategyFor uses the group's strategy when the candidates belong to one
// group, otherwise the cluster default
func (r *Registry) strategyFor(candidates []*domain.BackendInstance, hints domain.SelectionHints) domain.StrategyType {
	group := hints.Group
	if group == "" {
		group = candidates[0].Group
		for _, c := range candidates[1:] {
			if c.Group != group {
				return ""
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.groups[group]; ok {
		return g.config.Strategy
	}
	return ""
}

// UpdateMetrics merges a metrics delta into an instance
func (r *Registry) UpdateMetrics(id string, delta domain.MetricsDelta) error {
	inst, ok := r.Get(id)
	if !ok {
		return apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	inst.ApplyMetrics(delta)
	return nil
}

// Drain excludes an instance from selection while in-flight work finishes
func (r *Registry) Drain(id string) error {
	inst, ok := r.Get(id)
	if !ok {
		return apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	if transition, changed := inst.Drain(); changed {
		r.announceHealth(inst, transition)
	}
	return nil
}

// Undrain returns a draining instance to probe-driven health
func (r *Registry) Undrain(id string) error {
	inst, ok := r.Get(id)
	if !ok {
		return apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	th := r.HealthCheckFor(inst.Group).HealthyThreshold
	if transition, changed := inst.Undrain(th); changed {
		r.announceHealth(inst, transition)
	}
	return nil
}

func (r *Registry) announceHealth(inst *domain.BackendInstance, transition domain.HealthTransition) {
	r.logger.InstanceLogger(inst.ID, inst.Group).
		WithField("from", string(transition.From)).
		WithField("to", string(transition.To)).
		Info("Instance health changed")
	r.bus.Publish(domain.Event{
		Type:       domain.EventHealthChanged,
		InstanceID: inst.ID,
		Group:      inst.Group,
		From:       string(transition.From),
		To:         string(transition.To),
	})
}

// SetWeight overrides an instance's selection weight
func (r *Registry) SetWeight(ctx context.Context, id string, weight float64) error {
	if weight < 0 {
		return apperrors.NewInvalidConfigError(registryComponent, "weight cannot be negative: %v", weight)
	}
	inst, ok := r.Get(id)
	if !ok {
		return apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	inst.SetWeight(weight)
	r.persistInstance(ctx, inst.Metadata())
	r.logger.InstanceLogger(id, inst.Group).WithField("weight", weight).Info("Instance weight overridden")
	return nil
}

// ForceBreaker applies an administrative breaker override
func (r *Registry) ForceBreaker(id string, override BreakerOverride) error {
	breaker, ok := r.Breaker(id)
	if !ok {
		return apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	breaker.Force(override)
	return nil
}

// CheckHealth probes an instance immediately and returns its new state
func (r *Registry) CheckHealth(ctx context.Context, id string) (domain.InstanceSnapshot, error) {
	inst, ok := r.Get(id)
	if !ok {
		return domain.InstanceSnapshot{}, apperrors.NewNotFoundError(registryComponent, "instance", id)
	}
	_, _, _ = r.monitor.CheckNow(ctx, inst)
	return inst.Snapshot(), nil
}

// Search returns the instances matching every set criterion, oldest first
func (r *Registry) Search(criteria domain.SearchCriteria) []*domain.BackendInstance {
	var out []*domain.BackendInstance
	for _, inst := range r.All() {
		if criteria.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// HealthReport aggregates instance health across the catalog
func (r *Registry) HealthReport() HealthReport {
	report := HealthReport{Groups: make(map[string]GroupHealth), Timestamp: time.Now()}

	for _, inst := range r.All() {
		gh := report.Groups[inst.Group]
		gh.Total++
		report.Total++
		switch inst.Health() {
		case domain.HealthHealthy:
			report.Healthy++
			gh.Healthy++
		case domain.HealthUnhealthy:
			report.Unhealthy++
		case domain.HealthDraining:
			report.Draining++
		default:
			report.Unknown++
		}
		report.Groups[inst.Group] = gh
	}
	for name, gh := range report.Groups {
		gh.Status = ClassifyHealth(gh.Healthy, gh.Total)
		report.Groups[name] = gh
	}
	report.Status = ClassifyHealth(report.Healthy, report.Total)
	return report
}

// ProbeTargets returns every registered instance
func (r *Registry) ProbeTargets() []*domain.BackendInstance {
	return r.All()
}

// HealthCheckFor returns the probe settings of a group, falling back to the
// cluster defaults for anything it leaves unset
func (r *Registry) HealthCheckFor(group string) domain.HealthCheckConfig {
	settings := r.config.HealthCheck

	r.mu.RLock()
	g, ok := r.groups[group]
	var override *domain.HealthCheckConfig
	if ok && g.config.HealthCheck != nil {
		hc := *g.config.HealthCheck
		override = &hc
	}
	r.mu.RUnlock()

	if override == nil {
		return settings
	}
	if override.Path == "" {
		override.Path = settings.Path
	}
	if override.MaxConcurrent == 0 {
		override.MaxConcurrent = settings.MaxConcurrent
	}
	return *override
}

// Monitor returns the health monitor
func (r *Registry) Monitor() *HealthMonitor {
	return r.monitor
}

// LoadBalancer returns the load balancer
func (r *Registry) LoadBalancer() *LoadBalancer {
	return r.lb
}

// Events returns the event bus
func (r *Registry) Events() *EventBus {
	return r.bus
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	groups := len(r.groups)
	instances := len(r.instances)
	types := len(r.byType)
	r.mu.RUnlock()

	return map[string]interface{}{
		"groups":           groups,
		"instances":        instances,
		"capability_types": types,
		"persistent":       r.store != nil,
		"health_monitor":   r.monitor.GetStats(),
		"load_balancer":    r.lb.GetStats(),
		"events":           r.bus.GetStats(),
		"health":           r.HealthReport().Status,
	}
}
