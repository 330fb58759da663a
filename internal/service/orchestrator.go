package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

const orchestratorComponent = "orchestrator"

// OrchestratorConfig configures request execution and instance lifecycle
type OrchestratorConfig struct {
	// RequestTimeout bounds one Execute call across all of its attempts
	RequestTimeout time.Duration
	// DefaultRetry applies to groups and requests without their own policy
	DefaultRetry domain.RetryPolicy
	// HealthyTimeout bounds the wait for a replacement to become healthy
	HealthyTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight requests before removal
	DrainTimeout time.Duration
	// PollInterval is how often rollout waits re-check instance state
	PollInterval time.Duration
	HistoryLimit int
	// ReconcileInterval drives supervision; zero disables the loop
	ReconcileInterval time.Duration
	// MetricsInterval drives resource sampling; zero disables the loop
	MetricsInterval time.Duration
}

// ExecuteRequest is one caller request routed to a capability
type ExecuteRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Hints  domain.SelectionHints
	// Retry overrides the group policy when set
	Retry *domain.RetryPolicy
	// Timeout overrides the configured request timeout when positive
	Timeout time.Duration
}

// ExecuteResult is a successful response
type ExecuteResult struct {
	Result     json.RawMessage `json:"result"`
	InstanceID string          `json:"instance_id"`
	Group      string          `json:"group"`
	Attempts   int             `json:"attempts"`
	Skipped    int             `json:"skipped_open"`
	Latency    time.Duration   `json:"latency"`
}

// ScaleResult reports the instances a scale call created and removed
type ScaleResult struct {
	Group   string   `json:"group"`
	From    int      `json:"from"`
	To      int      `json:"to"`
	Created []string `json:"created,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

type invokeResult struct {
	result json.RawMessage
	err    error
}

// launchFunc asks the provider for one instance running spec
type launchFunc func(ctx context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error)

// Orchestrator executes requests against selected instances and owns the
// instance lifecycle: scaling, rolling updates, rollback and supervision.
// It only ever holds instance references obtained from the registry.
type Orchestrator struct {
	config    OrchestratorConfig
	registry  *Registry
	transport domain.Transport
	provider  domain.DeploymentProvider
	history   *RolloutHistory
	metrics   *RequestMetrics
	bus       *EventBus
	logger    *logger.Logger

	slotsMu sync.Mutex
	slots   map[string]chan struct{}

	restartsMu sync.Mutex
	restarts   map[string]int

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(config OrchestratorConfig, registry *Registry, transport domain.Transport, provider domain.DeploymentProvider, log *logger.Logger) *Orchestrator {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.HealthyTimeout <= 0 {
		config.HealthyTimeout = time.Minute
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 50 * time.Millisecond
	}

	return &Orchestrator{
		config:    config,
		registry:  registry,
		transport: transport,
		provider:  provider,
		history:   NewRolloutHistory(config.HistoryLimit),
		metrics:   NewRequestMetrics(),
		bus:       registry.Events(),
		logger:    log.OrchestratorLogger(),
		slots:     make(map[string]chan struct{}),
		restarts:  make(map[string]int),
	}
}

// Start runs the supervision and metrics sampling loops
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.isRunning {
		return fmt.Errorf("orchestrator is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.isRunning = true

	if o.config.ReconcileInterval > 0 {
		o.wg.Add(1)
		go o.every(runCtx, o.config.ReconcileInterval, o.Reconcile)
	}
	if o.config.MetricsInterval > 0 && o.provider != nil {
		o.wg.Add(1)
		go o.every(runCtx, o.config.MetricsInterval, o.SampleMetrics)
	}
	o.logger.Info("Orchestrator started")
	return nil
}

// Stop halts the background loops
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return nil
	}
	o.cancel()
	o.isRunning = false
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// History returns the rollout history
func (o *Orchestrator) History() *RolloutHistory {
	return o.history
}

// Metrics returns the per-capability request metrics
func (o *Orchestrator) Metrics() *RequestMetrics {
	return o.metrics
}

// retryPolicy picks the request override, then the group policy, then the default
func (o *Orchestrator) retryPolicy(req ExecuteRequest, group string) domain.RetryPolicy {
	if req.Retry != nil {
		return *req.Retry
	}
	if cfg, ok := o.registry.Group(group); ok && (cfg.Retry.MaxRetries > 0 || cfg.Retry.Backoff > 0) {
		return cfg.Retry
	}
	return o.config.DefaultRetry
}

// Execute routes a request to a healthy instance of capType. A failed
// attempt is retried on a different instance while the retry budget lasts.
// An instance whose breaker rejects the call is skipped without consuming
// budget and is excluded for the rest of the call.
func (o *Orchestrator) Execute(ctx context.Context, capType domain.CapabilityType, req ExecuteRequest) (*ExecuteResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.config.RequestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hints := req.Hints
	exclude := make(map[string]struct{}, len(hints.Exclude))
	for id := range hints.Exclude {
		exclude[id] = struct{}{}
	}
	hints.Exclude = exclude

	var (
		policy     domain.RetryPolicy
		havePolicy bool
		attempts   int
		skipped    int
		lastErr    error
		lastID     string
		openErr    error
	)
	start := time.Now()
	log := o.logger.WithField("capability_type", capType.String()).WithField("method", req.Method)

	for {
		if callCtx.Err() != nil {
			return nil, o.deadlineError(callCtx, lastID, attempts, lastErr)
		}

		inst, ok := o.registry.SelectInstance(capType, hints)
		if !ok {
			switch {
			case lastErr != nil:
				return nil, apperrors.NewExecutionError(lastID, attempts, lastErr).
					WithMetadata("capability_type", capType.String())
			case openErr != nil:
				return nil, openErr
			default:
				return nil, apperrors.NewNoHealthyBackendError(capType.String())
			}
		}
		if !havePolicy {
			policy = o.retryPolicy(req, inst.Group)
			havePolicy = true
		}

		breaker, ok := o.registry.Breaker(inst.ID)
		if !ok {
			// unregistered between selection and lookup
			exclude[inst.ID] = struct{}{}
			continue
		}
		done, err := breaker.Allow()
		if err != nil {
			exclude[inst.ID] = struct{}{}
			skipped++
			if pe, ok := err.(*apperrors.PlaneError); ok {
				openErr = pe.WithMetadata("group", inst.Group).WithMetadata("capability_type", capType.String())
			} else {
				openErr = err
			}
			log.WithField("instance_id", inst.ID).Debug("Skipping instance with open circuit breaker")
			continue
		}

		attempts++
		lastID = inst.ID
		result, err := o.invoke(callCtx, inst, req, done)
		if err == nil {
			return &ExecuteResult{
				Result:     result,
				InstanceID: inst.ID,
				Group:      inst.Group,
				Attempts:   attempts,
				Skipped:    skipped,
				Latency:    time.Since(start),
			}, nil
		}

		lastErr = err
		exclude[inst.ID] = struct{}{}
		if callCtx.Err() != nil {
			return nil, o.deadlineError(callCtx, inst.ID, attempts, err)
		}
		if attempts > policy.MaxRetries {
			log.WithError(err).WithField("attempts", attempts).Warn("Retry budget exhausted")
			return nil, apperrors.NewExecutionError(inst.ID, attempts, err).
				WithMetadata("group", inst.Group).
				WithMetadata("capability_type", capType.String())
		}

		log.WithError(err).WithField("instance_id", inst.ID).WithField("attempt", attempts).
			Debug("Attempt failed, failing over")
		if err := sleepContext(callCtx, backoffFor(policy, attempts)); err != nil {
			return nil, o.deadlineError(callCtx, inst.ID, attempts, lastErr)
		}
	}
}

func (o *Orchestrator) deadlineError(ctx context.Context, instanceID string, attempts int, cause error) error {
	if cause == nil {
		cause = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(instanceID, attempts, cause)
	}
	return apperrors.NewExecutionError(instanceID, attempts, cause)
}

// invoke runs one attempt. The transport call runs on its own goroutine so
// the deadline is honored even by a transport that ignores ctx; a response
// arriving after the deadline is discarded. The outcome is recorded once.
func (o *Orchestrator) invoke(ctx context.Context, inst *domain.BackendInstance, req ExecuteRequest, done func(bool)) (json.RawMessage, error) {
	remaining := time.Until(deadlineOf(ctx))

	inst.IncrementConnections()
	resultCh := make(chan invokeResult, 1)
	start := time.Now()
	go func() {
		defer inst.DecrementConnections()
		res, err := o.transport.Invoke(ctx, inst.Address, req.Method, req.Params, remaining)
		resultCh <- invokeResult{result: res, err: err}
	}()

	var out invokeResult
	select {
	case out = <-resultCh:
	case <-ctx.Done():
		out = invokeResult{err: ctx.Err()}
	}
	latency := time.Since(start)

	done(out.err == nil)
	delta := domain.MetricsDelta{Requests: 1, Latency: &latency}
	if out.err != nil {
		delta.Errors = 1
	}
	_ = o.registry.UpdateMetrics(inst.ID, delta)
	o.metrics.Record(inst.Type.String(), inst.ID, latency, out.err != nil)
	return out.result, out.err
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(time.Hour)
}

// backoffFor doubles the base backoff per attempt up to MaxBackoff
func backoffFor(policy domain.RetryPolicy, attempt int) time.Duration {
	if policy.Backoff <= 0 {
		return 0
	}
	d := policy.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if policy.MaxBackoff > 0 && d >= policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	if policy.MaxBackoff > 0 && d > policy.MaxBackoff {
		return policy.MaxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) requireProvider() error {
	if o.provider == nil {
		return apperrors.NewError(apperrors.ErrCodeInvalidConfig, orchestratorComponent, "no deployment provider configured")
	}
	return nil
}

func handleOf(inst *domain.BackendInstance) domain.InstanceHandle {
	return domain.InstanceHandle{ID: inst.Handle, Address: inst.Address}
}

// DeployGroup registers a group, records its first revision and scales it
// to its minimum size
func (o *Orchestrator) DeployGroup(ctx context.Context, cfg domain.BackendGroupConfig) (ScaleResult, error) {
	if err := o.registry.RegisterGroup(ctx, cfg); err != nil {
		return ScaleResult{}, err
	}
	if o.history.Len(cfg.Name) == 0 {
		o.history.Append(cfg.Name, cfg, "initial deployment", domain.RevisionComplete)
	}
	if cfg.MinInstances == 0 {
		return ScaleResult{Group: cfg.Name}, nil
	}
	return o.Scale(ctx, cfg.Name, cfg.MinInstances)
}

// DeleteGroup unregisters a group and deletes its instances
func (o *Orchestrator) DeleteGroup(ctx context.Context, name string) error {
	removed, err := o.registry.UnregisterGroup(ctx, name)
	if err != nil {
		return err
	}
	if o.provider != nil {
		for _, meta := range removed {
			if err := o.provider.Delete(ctx, domain.InstanceHandle{ID: meta.Handle, Address: meta.Address}); err != nil {
				o.logger.WithError(err).WithField("instance_id", meta.ID).Error("Failed to delete instance")
			}
		}
	}
	o.history.Forget(name)
	o.restartsMu.Lock()
	delete(o.restarts, name)
	o.restartsMu.Unlock()
	return nil
}

// Scale moves a group to target instances. Scale-up asks the provider for
// the missing instances; scale-down drains and removes the least-utilized
// instances by request count.
func (o *Orchestrator) Scale(ctx context.Context, group string, target int) (ScaleResult, error) {
	cfg, ok := o.registry.Group(group)
	if !ok {
		return ScaleResult{}, apperrors.NewNotFoundError(orchestratorComponent, "group", group)
	}
	if target < 0 || !cfg.AllowsCount(target) {
		return ScaleResult{}, apperrors.NewInvalidConfigError(orchestratorComponent,
			"target %d outside bounds %d..%d", target, cfg.MinInstances, cfg.MaxInstances).WithMetadata("group", group)
	}
	if err := o.requireProvider(); err != nil {
		return ScaleResult{}, err
	}

	current := o.registry.Instances(group)
	result := ScaleResult{Group: group, From: len(current), To: target}
	log := o.logger.WithField("group", group).WithField("from", len(current)).WithField("to", target)

	switch delta := target - len(current); {
	case delta > 0:
		created, err := o.scaleUp(ctx, cfg, current, target)
		result.Created = created
		if err != nil {
			return result, err
		}
	case delta < 0:
		for _, inst := range leastUtilized(current, -delta) {
			o.retire(ctx, inst, true)
			result.Removed = append(result.Removed, inst.ID)
		}
	default:
		return result, nil
	}

	log.Info("Scaled backend group")
	return result, nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, cfg domain.BackendGroupConfig, current []*domain.BackendInstance, target int) ([]string, error) {
	// the provider only counts instances it owns; manual ones carry no handle
	known := make(map[string]struct{}, len(current))
	for _, inst := range current {
		if inst.Handle != "" {
			known[inst.Handle] = struct{}{}
		}
	}
	delta := target - len(current)

	handles, err := o.provider.Scale(ctx, domain.InstanceSpec{Group: cfg.Name, Config: cfg}, len(known)+delta)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeExecutionFailed, orchestratorComponent, "deployment provider failed to scale").
			WithMetadata("group", cfg.Name)
	}

	var created []string
	var regErr error
	for _, handle := range handles {
		if _, ok := known[handle.ID]; ok {
			continue
		}
		if regErr != nil || len(created) >= delta {
			o.deleteSurplus(ctx, handle)
			continue
		}
		id, err := o.registerHandle(ctx, cfg, handle)
		if err != nil {
			regErr = err
			continue
		}
		created = append(created, id)
	}
	return created, regErr
}

// deleteSurplus removes a provider instance that will not be registered
func (o *Orchestrator) deleteSurplus(ctx context.Context, handle domain.InstanceHandle) {
	if err := o.provider.Delete(ctx, handle); err != nil {
		o.logger.WithError(err).WithField("handle", handle.ID).Error("Failed to delete surplus instance")
	}
}

// registerHandle registers a provider instance, deleting it on failure
func (o *Orchestrator) registerHandle(ctx context.Context, cfg domain.BackendGroupConfig, handle domain.InstanceHandle) (string, error) {
	addr := handle.Address
	if addr.Protocol == "" {
		addr.Protocol = cfg.Protocol
	}
	id, err := o.registry.RegisterInstance(ctx, cfg.Name, domain.InstanceMetadata{
		Group:   cfg.Name,
		Type:    cfg.Type,
		Address: addr,
		Version: cfg.Version,
		Handle:  handle.ID,
	})
	if err != nil {
		o.deleteSurplus(ctx, handle)
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) launch(ctx context.Context, cfg domain.BackendGroupConfig, fn launchFunc) (*domain.BackendInstance, error) {
	handle, err := fn(ctx, domain.InstanceSpec{Group: cfg.Name, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("deployment provider failed: %w", err)
	}
	id, err := o.registerHandle(ctx, cfg, handle)
	if err != nil {
		return nil, err
	}
	inst, ok := o.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("instance %s vanished after registration", id)
	}
	return inst, nil
}

// leastUtilized returns n instances with the fewest requests, newest first on ties
func leastUtilized(instances []*domain.BackendInstance, n int) []*domain.BackendInstance {
	ranked := append([]*domain.BackendInstance(nil), instances...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].Metrics().RequestCount, ranked[j].Metrics().RequestCount
		if ri != rj {
			return ri < rj
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// retire drains an instance, optionally waits for in-flight requests,
// unregisters it and deletes it from the provider
func (o *Orchestrator) retire(ctx context.Context, inst *domain.BackendInstance, waitDrained bool) {
	log := o.logger.InstanceLogger(inst.ID, inst.Group)

	_ = o.registry.Drain(inst.ID)
	inst.SetLifecycle(domain.LifecycleStopping)
	if waitDrained {
		if !o.waitFor(ctx, o.config.DrainTimeout, func() bool { return inst.Connections() == 0 }) {
			log.WithField("connections", inst.Connections()).Warn("Drain timeout reached with requests in flight")
		}
	}

	o.registry.Unregister(ctx, inst.ID)
	inst.SetLifecycle(domain.LifecycleStopped)
	if o.provider != nil && inst.Handle != "" {
		if err := o.provider.Delete(ctx, handleOf(inst)); err != nil {
			log.WithError(err).Error("Failed to delete instance")
		}
	}
	log.Info("Retired instance")
}

// RemoveInstance drains one instance, waits for its in-flight requests and
// deletes it. Instances registered by hand are only unregistered.
func (o *Orchestrator) RemoveInstance(ctx context.Context, id string) error {
	inst, ok := o.registry.Get(id)
	if !ok {
		return apperrors.NewNotFoundError(orchestratorComponent, "instance", id)
	}
	o.retire(ctx, inst, true)
	return nil
}

// waitFor polls cond until it holds, the timeout expires or ctx ends
func (o *Orchestrator) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return cond()
		case <-deadline.C:
			return cond()
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

func (o *Orchestrator) waitHealthy(ctx context.Context, inst *domain.BackendInstance) bool {
	return o.waitFor(ctx, o.config.HealthyTimeout, func() bool {
		if _, ok := o.registry.Get(inst.ID); !ok {
			return false
		}
		return inst.IsSelectable()
	})
}

// acquireSlot serializes rollouts per group; the wait honors ctx
func (o *Orchestrator) acquireSlot(ctx context.Context, group string) (func(), error) {
	o.slotsMu.Lock()
	slot, ok := o.slots[group]
	if !ok {
		slot = make(chan struct{}, 1)
		o.slots[group] = slot
	}
	o.slotsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, apperrors.WrapError(ctx.Err(), apperrors.ErrCodeRolloutFailed, orchestratorComponent,
			"gave up waiting for in-flight rollout").WithMetadata("group", group)
	}
}

type rolloutStep struct {
	replaced    domain.InstanceMetadata
	replacement *domain.BackendInstance
}

// RollingUpdate replaces every instance of a group with one running
// newConfig, one at a time. Each replacement must become healthy before its
// predecessor is drained and removed, so capacity never drops below N-1.
// If a replacement misses its deadline the rollout aborts: the replacement is
// removed and completed steps are reversed with the previous config.
func (o *Orchestrator) RollingUpdate(ctx context.Context, group string, newConfig domain.BackendGroupConfig, reason string) (domain.Revision, error) {
	if err := o.requireProvider(); err != nil {
		return domain.Revision{}, err
	}
	if newConfig.Name == "" {
		newConfig.Name = group
	}
	if newConfig.Name != group {
		return domain.Revision{}, apperrors.NewInvalidConfigError(orchestratorComponent, "config name %q does not match group %q", newConfig.Name, group)
	}
	if err := newConfig.Validate(); err != nil {
		return domain.Revision{}, apperrors.NewInvalidConfigError(orchestratorComponent, "%v", err).WithMetadata("group", group)
	}
	if reason == "" {
		reason = "rolling update"
	}
	return o.roll(ctx, group, newConfig, reason, o.provider.Update)
}

// Rollback re-applies the config stored at targetRevision through the same
// rolling procedure
func (o *Orchestrator) Rollback(ctx context.Context, group string, targetRevision int) (domain.Revision, error) {
	if err := o.requireProvider(); err != nil {
		return domain.Revision{}, err
	}
	if _, ok := o.registry.Group(group); !ok {
		return domain.Revision{}, apperrors.NewNotFoundError(orchestratorComponent, "group", group)
	}
	target, ok := o.history.Get(group, targetRevision)
	if !ok {
		return domain.Revision{}, apperrors.NewNotFoundError(orchestratorComponent, "revision", fmt.Sprintf("%s@%d", group, targetRevision))
	}
	return o.roll(ctx, group, target.Config, fmt.Sprintf("rollback to revision %d", targetRevision), o.provider.Rollback)
}

func (o *Orchestrator) roll(ctx context.Context, group string, newConfig domain.BackendGroupConfig, reason string, replace func(context.Context, domain.InstanceHandle, domain.InstanceSpec) (domain.InstanceHandle, error)) (domain.Revision, error) {
	release, err := o.acquireSlot(ctx, group)
	if err != nil {
		return domain.Revision{}, err
	}
	defer release()

	oldConfig, ok := o.registry.Group(group)
	if !ok {
		return domain.Revision{}, apperrors.NewNotFoundError(orchestratorComponent, "group", group)
	}
	if oldConfig.Type != newConfig.Type {
		return domain.Revision{}, apperrors.NewInvalidConfigError(orchestratorComponent, "rollout cannot change type from %s to %s",
			oldConfig.Type, newConfig.Type).WithMetadata("group", group)
	}
	if o.history.Len(group) == 0 {
		o.history.Append(group, oldConfig, "baseline", domain.RevisionComplete)
	}

	rev := o.history.Append(group, newConfig, reason, domain.RevisionInProgress)
	log := o.logger.WithField("group", group).WithField("revision", rev.Number)
	log.WithField("reason", reason).Info("Starting rolling update")
	o.publishRollout(domain.EventRolloutStarted, group, rev.Number, reason)

	if err := o.registry.UpdateGroup(ctx, newConfig); err != nil {
		o.history.SetStatus(group, rev.Number, domain.RevisionFailed)
		return rev, err
	}

	originals := o.registry.Instances(group)
	var completed []rolloutStep
	for i, old := range originals {
		replacement, err := o.launch(ctx, newConfig, func(ctx context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
			return replace(ctx, handleOf(old), spec)
		})
		if err == nil && !o.waitHealthy(ctx, replacement) {
			err = fmt.Errorf("replacement %s not healthy within %v", replacement.ID, o.config.HealthyTimeout)
		}
		if err != nil {
			if replacement != nil {
				o.retire(context.Background(), replacement, false)
			}
			o.abort(group, oldConfig, completed)
			o.history.SetStatus(group, rev.Number, domain.RevisionFailed)
			log.WithError(err).WithField("step", i+1).Warn("Rolling update aborted")
			o.publishRollout(domain.EventRolloutFailed, group, rev.Number, err.Error())
			return rev, apperrors.NewRolloutError(group, rev.Number, err).WithMetadata("step", i+1)
		}

		meta := old.Metadata()
		o.retire(ctx, old, true)
		completed = append(completed, rolloutStep{replaced: meta, replacement: replacement})
		log.WithField("step", i+1).WithField("old_id", meta.ID).WithField("new_id", replacement.ID).Info("Replaced instance")
		o.publishRollout(domain.EventRolloutStep, group, rev.Number, fmt.Sprintf("%s -> %s", meta.ID, replacement.ID))
	}

	o.history.SetStatus(group, rev.Number, domain.RevisionComplete)
	rev.Status = domain.RevisionComplete
	log.Info("Rolling update completed")
	o.publishRollout(domain.EventRolloutCompleted, group, rev.Number, reason)
	return rev, nil
}

// abort restores the previous group config and reverses completed steps,
// newest first, with the same one-at-a-time procedure
func (o *Orchestrator) abort(group string, oldConfig domain.BackendGroupConfig, completed []rolloutStep) {
	ctx := context.Background()
	log := o.logger.WithField("group", group)

	if err := o.registry.UpdateGroup(ctx, oldConfig); err != nil {
		log.WithError(err).Error("Failed to restore group config")
	}
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		restored, err := o.launch(ctx, oldConfig, func(ctx context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
			return o.provider.Rollback(ctx, handleOf(step.replacement), spec)
		})
		if err != nil {
			log.WithError(err).WithField("instance_id", step.replacement.ID).Error("Failed to revert rollout step")
			continue
		}
		if !o.waitHealthy(ctx, restored) {
			log.WithField("instance_id", restored.ID).Error("Reverted instance not healthy; keeping newer instance")
			o.retire(ctx, restored, false)
			continue
		}
		o.retire(ctx, step.replacement, true)
	}
}

func (o *Orchestrator) publishRollout(t domain.EventType, group string, revision int, msg string) {
	o.bus.Publish(domain.Event{Type: t, Group: group, Revision: revision, Message: msg})
}

// Reconcile replaces failed instances of auto-restart groups, bounded by
// max_restarts, and scales every group back up to its minimum
func (o *Orchestrator) Reconcile(ctx context.Context) {
	if o.provider == nil {
		return
	}
	for _, cfg := range o.registry.Groups() {
		if cfg.AutoRestart {
			o.restartFailed(ctx, cfg)
		}
		if n := len(o.registry.Instances(cfg.Name)); n < cfg.MinInstances {
			if _, err := o.Scale(ctx, cfg.Name, cfg.MinInstances); err != nil {
				o.logger.WithError(err).WithField("group", cfg.Name).Error("Failed to restore minimum instances")
			}
		}
	}
}

func (o *Orchestrator) restartFailed(ctx context.Context, cfg domain.BackendGroupConfig) {
	for _, inst := range o.registry.Instances(cfg.Name) {
		if inst.Lifecycle() != domain.LifecycleError && inst.Health() != domain.HealthUnhealthy {
			continue
		}

		o.restartsMu.Lock()
		if cfg.MaxRestarts > 0 && o.restarts[cfg.Name] >= cfg.MaxRestarts {
			o.restartsMu.Unlock()
			o.logger.WithField("group", cfg.Name).WithField("instance_id", inst.ID).
				Warn("Restart limit reached, leaving failed instance in place")
			return
		}
		o.restarts[cfg.Name]++
		count := o.restarts[cfg.Name]
		o.restartsMu.Unlock()

		replacement, err := o.launch(ctx, cfg, o.provider.Deploy)
		if err != nil {
			o.logger.WithError(err).WithField("instance_id", inst.ID).Error("Failed to start replacement for failed instance")
			continue
		}
		o.retire(ctx, inst, false)
		o.logger.InstanceLogger(inst.ID, cfg.Name).
			WithField("replacement_id", replacement.ID).
			WithField("restarts", count).
			Info("Replaced failed instance")
	}
}

// Restarts returns the number of supervised restarts performed for a group
func (o *Orchestrator) Restarts(group string) int {
	o.restartsMu.Lock()
	defer o.restartsMu.Unlock()
	return o.restarts[group]
}

// SampleMetrics feeds provider CPU and memory samples into every instance
func (o *Orchestrator) SampleMetrics(ctx context.Context) {
	if o.provider == nil {
		return
	}
	for _, inst := range o.registry.All() {
		usage, err := o.provider.Metrics(ctx, handleOf(inst))
		if err != nil {
			o.logger.WithError(err).WithField("instance_id", inst.ID).Debug("Metrics sample failed")
			continue
		}
		cpu, memPct, memMB := usage.CPUPercent, usage.MemoryPercent, usage.MemoryMB
		_ = o.registry.UpdateMetrics(inst.ID, domain.MetricsDelta{
			CPUPercent:    &cpu,
			MemoryPercent: &memPct,
			MemoryMB:      &memMB,
		})
	}
}

// Logs returns recent log lines of an instance
func (o *Orchestrator) Logs(ctx context.Context, id string, lines int) ([]string, error) {
	inst, err := o.providerInstance(id)
	if err != nil {
		return nil, err
	}
	return o.provider.Logs(ctx, handleOf(inst), lines)
}

// Exec runs a command in an instance's environment
func (o *Orchestrator) Exec(ctx context.Context, id string, command []string) (string, error) {
	if len(command) == 0 {
		return "", apperrors.NewInvalidConfigError(orchestratorComponent, "command is required")
	}
	inst, err := o.providerInstance(id)
	if err != nil {
		return "", err
	}
	return o.provider.Exec(ctx, handleOf(inst), command)
}

func (o *Orchestrator) providerInstance(id string) (*domain.BackendInstance, error) {
	if err := o.requireProvider(); err != nil {
		return nil, err
	}
	inst, ok := o.registry.Get(id)
	if !ok {
		return nil, apperrors.NewNotFoundError(orchestratorComponent, "instance", id)
	}
	return inst, nil
}

// GetStats returns orchestrator statistics
func (o *Orchestrator) GetStats() map[string]interface{} {
	o.mu.Lock()
	running := o.isRunning
	o.mu.Unlock()

	provider := "none"
	if o.provider != nil {
		provider = o.provider.Name()
	}
	return map[string]interface{}{
		"running":            running,
		"provider":           provider,
		"request_timeout":    o.config.RequestTimeout.String(),
		"healthy_timeout":    o.config.HealthyTimeout.String(),
		"max_retries":        o.config.DefaultRetry.MaxRetries,
		"reconcile_interval": o.config.ReconcileInterval.String(),
		"metrics_interval":   o.config.MetricsInterval.String(),
		"requests":           o.metrics.GetStats(),
	}
}
