package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

type orchestratorFixture struct {
	reg       *Registry
	orch      *Orchestrator
	provider  *fakeProvider
	transport *fakeTransport
}

func testOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HealthyTimeout: 2 * time.Second,
		DrainTimeout:   200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func newFixture(t *testing.T, config OrchestratorConfig, prober domain.Prober) *orchestratorFixture {
	t.Helper()
	if prober == nil {
		prober = newFakeProber(nil)
	}
	reg := newTestRegistry(t, testRegistryConfig(), nil, prober)
	provider := newFakeProvider()
	transport := &fakeTransport{}
	return &orchestratorFixture{
		reg:       reg,
		orch:      NewOrchestrator(config, reg, transport, provider, logger.NewNop()),
		provider:  provider,
		transport: transport,
	}
}

// deploy creates a group and waits until every created instance is healthy
func (f *orchestratorFixture) deploy(t *testing.T, cfg domain.BackendGroupConfig) []string {
	t.Helper()
	result, err := f.orch.DeployGroup(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, result.Created, cfg.MinInstances)
	for _, id := range result.Created {
		inst, ok := f.reg.Get(id)
		require.True(t, ok)
		eventually(t, func() bool { return inst.Health() == domain.HealthHealthy }, "instance becomes healthy")
	}
	return result.Created
}

func (f *orchestratorFixture) ids(group string) map[string]bool {
	out := map[string]bool{}
	for _, inst := range f.reg.Instances(group) {
		out[inst.ID] = true
	}
	return out
}

func noRetry() *domain.RetryPolicy {
	return &domain.RetryPolicy{MaxRetries: 0}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 2, 4))

	result, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "alpha", result.Group)
	assert.Contains(t, ids, result.InstanceID)
	assert.JSONEq(t, `{"ok":true}`, string(result.Result))

	inst, _ := f.reg.Get(result.InstanceID)
	assert.Equal(t, int64(1), inst.Metrics().RequestCount)
	assert.Equal(t, int64(0), inst.Connections())

	byType, ok := f.orch.Metrics().Type(domain.Custom("alpha").String())
	require.True(t, ok)
	assert.Equal(t, int64(1), byType.Requests)
}

func TestExecuteNoHealthyBackend(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)

	_, err := f.orch.Execute(context.Background(), domain.Custom("nothing"), ExecuteRequest{Method: "ping"})
	assert.True(t, errors.Is(err, apperrors.ErrNoHealthyBackend), "got %v", err)
	assert.Equal(t, 0, f.transport.callCount())
}

func TestExecuteFailsOverToAnotherInstance(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 3, 3))
	good, _ := f.reg.Get(ids[2])

	f.transport.invoke = func(_ context.Context, addr domain.Address, _ string) (json.RawMessage, error) {
		if addr.Port == good.Address.Port {
			return json.RawMessage(`"served"`), nil
		}
		return nil, errors.New("backend exploded")
	}

	for i := 0; i < 5; i++ {
		result, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{
			Method: "ping",
			Retry:  &domain.RetryPolicy{MaxRetries: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, good.ID, result.InstanceID)
		assert.LessOrEqual(t, result.Attempts, 3)
	}
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	f.deploy(t, customGroup("alpha", 3, 3))
	f.transport.invoke = func(context.Context, domain.Address, string) (json.RawMessage, error) {
		return nil, errors.New("backend exploded")
	}

	_, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{
		Method: "ping",
		Retry:  &domain.RetryPolicy{MaxRetries: 1},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExecutionFailed), "got %v", err)
	assert.Equal(t, 2, f.transport.callCount(), "one try plus one retry")

	var pe *apperrors.PlaneError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.Metadata["attempts"])
}

func TestExecuteOpenBreakerIsFreeReselection(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 2, 2))
	require.NoError(t, f.reg.ForceBreaker(ids[0], OverrideOpen))

	skipped := 0
	for i := 0; i < 10; i++ {
		result, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{Method: "ping", Retry: noRetry()})
		require.NoError(t, err, "an open breaker must not consume the only attempt")
		assert.Equal(t, ids[1], result.InstanceID)
		assert.Equal(t, 1, result.Attempts)
		skipped += result.Skipped
	}
	assert.Greater(t, skipped, 0, "the open instance was selected and skipped at least once")
	assert.Equal(t, 10, f.transport.callCount())
}

func TestExecuteAllBreakersOpen(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 2, 2))
	for _, id := range ids {
		require.NoError(t, f.reg.ForceBreaker(id, OverrideOpen))
	}

	_, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{Method: "ping"})
	assert.True(t, errors.Is(err, apperrors.ErrCircuitOpen), "got %v", err)
	assert.Equal(t, 0, f.transport.callCount())
}

func TestExecuteTripsBreakerAfterThreshold(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 1, 1))
	f.transport.invoke = func(context.Context, domain.Address, string) (json.RawMessage, error) {
		return nil, errors.New("backend exploded")
	}

	for i := 0; i < 3; i++ {
		_, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{Method: "ping", Retry: noRetry()})
		assert.True(t, errors.Is(err, apperrors.ErrExecutionFailed))
	}
	breaker, _ := f.reg.Breaker(ids[0])
	assert.Equal(t, BreakerOpen, breaker.State())

	_, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{Method: "ping", Retry: noRetry()})
	assert.True(t, errors.Is(err, apperrors.ErrCircuitOpen))
	assert.Equal(t, 3, f.transport.callCount())

	inst, _ := f.reg.Get(ids[0])
	assert.Equal(t, int64(3), inst.Metrics().ErrorCount)
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ids := f.deploy(t, customGroup("alpha", 1, 1))

	// ignores ctx entirely
	f.transport.invoke = func(context.Context, domain.Address, string) (json.RawMessage, error) {
		time.Sleep(200 * time.Millisecond)
		return json.RawMessage(`"late"`), nil
	}

	start := time.Now()
	_, err := f.orch.Execute(context.Background(), domain.Custom("alpha"), ExecuteRequest{
		Method:  "slow",
		Timeout: 30 * time.Millisecond,
	})
	assert.True(t, errors.Is(err, apperrors.ErrRequestTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "the deadline is honored without waiting for the transport")

	inst, _ := f.reg.Get(ids[0])
	eventually(t, func() bool { return inst.Connections() == 0 }, "connection released once the call returns")
}

func TestExecuteCallerCancellation(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	f.deploy(t, customGroup("alpha", 1, 1))
	f.transport.invoke = func(ctx context.Context, _ domain.Address, _ string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.orch.Execute(ctx, domain.Custom("alpha"), ExecuteRequest{Method: "ping"})
	assert.True(t, errors.Is(err, apperrors.ErrExecutionFailed))
	assert.False(t, errors.Is(err, apperrors.ErrRequestTimeout))
}

func TestBackoffFor(t *testing.T) {
	policy := domain.RetryPolicy{Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, backoffFor(policy, 1))
	assert.Equal(t, 20*time.Millisecond, backoffFor(policy, 2))
	assert.Equal(t, 35*time.Millisecond, backoffFor(policy, 3))
	assert.Equal(t, 35*time.Millisecond, backoffFor(policy, 10))
	assert.Equal(t, time.Duration(0), backoffFor(domain.RetryPolicy{}, 3))
}

func TestScaleUpAndDown(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 1, 4))

	up, err := f.orch.Scale(ctx, "alpha", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, up.From)
	assert.Len(t, up.Created, 2)
	instances := f.reg.Instances("alpha")
	require.Len(t, instances, 3)

	require.NoError(t, f.reg.UpdateMetrics(instances[0].ID, domain.MetricsDelta{Requests: 10}))
	require.NoError(t, f.reg.UpdateMetrics(instances[1].ID, domain.MetricsDelta{Requests: 5}))

	down, err := f.orch.Scale(ctx, "alpha", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{instances[1].ID, instances[2].ID}, down.Removed, "least utilized go first")
	assert.Equal(t, map[string]bool{instances[0].ID: true}, f.ids("alpha"))
	assert.Equal(t, 1, f.provider.running())
	assert.Equal(t, domain.LifecycleStopped, instances[2].Lifecycle())

	same, err := f.orch.Scale(ctx, "alpha", 1)
	require.NoError(t, err)
	assert.Empty(t, same.Created)
	assert.Empty(t, same.Removed)
}

func TestScaleUpBesideManualInstance(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 1, 4))
	manual, err := f.reg.RegisterInstance(ctx, "alpha", instanceMeta(30001))
	require.NoError(t, err)

	up, err := f.orch.Scale(ctx, "alpha", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, up.From)
	assert.Len(t, up.Created, 2)
	assert.Len(t, f.reg.Instances("alpha"), 4)
	assert.Equal(t, 3, f.provider.running(), "manual instances are not provider deployments")
	assert.Empty(t, f.provider.deleted)
	assert.True(t, f.ids("alpha")[manual])
}

func TestRemoveInstance(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 1, 2))
	inst := f.reg.Instances("alpha")[0]

	require.NoError(t, f.orch.RemoveInstance(ctx, inst.ID))
	assert.Empty(t, f.reg.Instances("alpha"))
	assert.Equal(t, 0, f.provider.running())
	assert.Equal(t, domain.LifecycleStopped, inst.Lifecycle())

	assert.True(t, errors.Is(f.orch.RemoveInstance(ctx, inst.ID), apperrors.ErrNotFound))
}

func TestScaleBounds(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 1, 2))

	_, err := f.orch.Scale(ctx, "alpha", 3)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = f.orch.Scale(ctx, "alpha", 0)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = f.orch.Scale(ctx, "missing", 1)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Len(t, f.reg.Instances("alpha"), 1)
}

func TestOperationsWithoutProvider(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	orch := NewOrchestrator(testOrchestratorConfig(), reg, &fakeTransport{}, nil, logger.NewNop())
	ctx := context.Background()

	_, err := orch.DeployGroup(ctx, customGroup("alpha", 1, 2))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = orch.RollingUpdate(ctx, "alpha", customGroup("alpha", 1, 2), "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = orch.Logs(ctx, "any", 10)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	assert.Equal(t, "none", orch.GetStats()["provider"])
}

func TestDeleteGroup(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 2, 2))
	require.Equal(t, 1, f.orch.History().Len("alpha"))

	require.NoError(t, f.orch.DeleteGroup(ctx, "alpha"))
	assert.Equal(t, 0, f.provider.running())
	_, ok := f.reg.Group("alpha")
	assert.False(t, ok)
	assert.Equal(t, 0, f.orch.History().Len("alpha"))

	assert.True(t, errors.Is(f.orch.DeleteGroup(ctx, "alpha"), apperrors.ErrNotFound))
}

func TestRollingUpdateKeepsCapacity(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	original := f.deploy(t, customGroup("alpha", 3, 5))
	events, cancel := f.reg.Events().Subscribe(256)
	defer cancel()

	stop := make(chan struct{})
	var minHealthy int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		minHealthy = 3
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := len(f.reg.GetHealthyInstances(domain.Custom("alpha"), domain.InstanceFilter{})); n < minHealthy {
				minHealthy = n
			}
			time.Sleep(time.Millisecond)
		}
	}()

	next := customGroup("alpha", 3, 5)
	next.Version = "v2"
	rev, err := f.orch.RollingUpdate(ctx, "alpha", next, "bump")
	close(stop)
	wg.Wait()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, minHealthy, 2, "capacity never drops below N-1")
	assert.Equal(t, 2, rev.Number)
	assert.Equal(t, domain.RevisionComplete, rev.Status)

	instances := f.reg.Instances("alpha")
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, "v2", inst.Version)
		assert.NotContains(t, original, inst.ID)
	}
	cfg, _ := f.reg.Group("alpha")
	assert.Equal(t, "v2", cfg.Version)
	assert.Equal(t, 3, f.provider.running())

	var types []domain.EventType
	for len(events) > 0 {
		evt := <-events
		if evt.Revision == rev.Number {
			types = append(types, evt.Type)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventRolloutStarted, types[0])
	assert.Equal(t, domain.EventRolloutCompleted, types[len(types)-1])
	assert.Len(t, types, 5, "started, three steps, completed")
}

// failVersion makes every probe against an instance running version fail
func failVersion(provider **fakeProvider, version string) *fakeProber {
	return newFakeProber(func(addr domain.Address) error {
		if (*provider).versionAt(addr) == version {
			return errors.New("crash loop")
		}
		return nil
	})
}

func TestRollingUpdateFailureRestoresOriginals(t *testing.T) {
	var provider *fakeProvider
	config := testOrchestratorConfig()
	config.HealthyTimeout = 100 * time.Millisecond
	f := newFixture(t, config, failVersion(&provider, "v2"))
	provider = f.provider
	ctx := context.Background()

	original := f.deploy(t, customGroup("alpha", 3, 5))

	next := customGroup("alpha", 3, 5)
	next.Version = "v2"
	rev, err := f.orch.RollingUpdate(ctx, "alpha", next, "bad build")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRolloutFailed), "got %v", err)

	want := map[string]bool{}
	for _, id := range original {
		want[id] = true
	}
	assert.Equal(t, want, f.ids("alpha"), "exactly the original instances remain")
	assert.Equal(t, 3, provider.running(), "failed replacement deleted")

	cfg, _ := f.reg.Group("alpha")
	assert.Equal(t, "v1", cfg.Version)
	stored, ok := f.orch.History().Get("alpha", rev.Number)
	require.True(t, ok)
	assert.Equal(t, domain.RevisionFailed, stored.Status)
}

func TestRollingUpdateFailureRevertsCompletedSteps(t *testing.T) {
	config := testOrchestratorConfig()
	config.HealthyTimeout = 100 * time.Millisecond
	// ports 20001-20003 are the originals, 20004 the first replacement
	f := newFixture(t, config, newFakeProber(func(addr domain.Address) error {
		if addr.Port == 20005 {
			return errors.New("crash loop")
		}
		return nil
	}))
	ctx := context.Background()
	original := f.deploy(t, customGroup("alpha", 3, 5))

	next := customGroup("alpha", 3, 5)
	next.Version = "v2"
	_, err := f.orch.RollingUpdate(ctx, "alpha", next, "half broken")
	require.True(t, errors.Is(err, apperrors.ErrRolloutFailed), "got %v", err)

	instances := f.reg.Instances("alpha")
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, "v1", inst.Version, "instance %s", inst.ID)
	}
	ids := f.ids("alpha")
	assert.False(t, ids[original[0]], "the replaced original is not resurrected")
	assert.True(t, ids[original[1]])
	assert.True(t, ids[original[2]])
	assert.Equal(t, 3, f.provider.running())
}

func TestRollback(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 2, 4))

	next := customGroup("alpha", 2, 4)
	next.Version = "v2"
	_, err := f.orch.RollingUpdate(ctx, "alpha", next, "")
	require.NoError(t, err)

	rev, err := f.orch.Rollback(ctx, "alpha", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, rev.Number)
	assert.Equal(t, "rollback to revision 1", rev.Reason)
	for _, inst := range f.reg.Instances("alpha") {
		assert.Equal(t, "v1", inst.Version)
	}

	revisions := f.orch.History().List("alpha")
	require.Len(t, revisions, 3)
	assert.Equal(t, "initial deployment", revisions[0].Reason)
	assert.Equal(t, "rolling update", revisions[1].Reason)

	_, err = f.orch.Rollback(ctx, "alpha", 99)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	_, err = f.orch.Rollback(ctx, "missing", 1)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestRolloutWaitsForSlot(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	f.deploy(t, customGroup("alpha", 1, 2))

	release, err := f.orch.acquireSlot(context.Background(), "alpha")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	next := customGroup("alpha", 1, 2)
	next.Version = "v2"
	_, err = f.orch.RollingUpdate(ctx, "alpha", next, "")
	assert.True(t, errors.Is(err, apperrors.ErrRolloutFailed), "got %v", err)
	assert.Equal(t, 1, f.orch.History().Len("alpha"), "nothing recorded while waiting")

	release()
	_, err = f.orch.RollingUpdate(context.Background(), "alpha", next, "")
	assert.NoError(t, err)
}

func TestRollingUpdateValidation(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	f.deploy(t, customGroup("alpha", 1, 2))

	_, err := f.orch.RollingUpdate(ctx, "alpha", customGroup("beta", 1, 2), "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))

	changed := customGroup("alpha", 1, 2)
	changed.Type = domain.Builtin(domain.KindGit)
	_, err = f.orch.RollingUpdate(ctx, "alpha", changed, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
}

type portSet struct {
	mu    sync.Mutex
	ports map[int]bool
}

func (p *portSet) add(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[port] = true
}

func (p *portSet) has(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports[port]
}

func TestReconcileRestartsFailedInstances(t *testing.T) {
	failing := &portSet{ports: map[int]bool{}}
	f := newFixture(t, testOrchestratorConfig(), newFakeProber(func(addr domain.Address) error {
		if failing.has(addr.Port) {
			return errors.New("process died")
		}
		return nil
	}))
	ctx := context.Background()

	cfg := customGroup("alpha", 2, 3)
	cfg.AutoRestart = true
	cfg.MaxRestarts = 1
	ids := f.deploy(t, cfg)

	first, _ := f.reg.Get(ids[0])
	failing.add(first.Address.Port)
	snap, err := f.reg.CheckHealth(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.HealthUnhealthy, snap.Health)

	f.orch.Reconcile(ctx)
	assert.Equal(t, 1, f.orch.Restarts("alpha"))
	current := f.ids("alpha")
	assert.Len(t, current, 2)
	assert.False(t, current[first.ID], "failed instance replaced")

	second, _ := f.reg.Get(ids[1])
	failing.add(second.Address.Port)
	_, err = f.reg.CheckHealth(ctx, second.ID)
	require.NoError(t, err)

	f.orch.Reconcile(ctx)
	assert.Equal(t, 1, f.orch.Restarts("alpha"), "restart budget spent")
	assert.True(t, f.ids("alpha")[second.ID], "failed instance left in place")
}

func TestReconcileRestoresMinimum(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	ids := f.deploy(t, customGroup("alpha", 2, 3))

	require.True(t, f.reg.Unregister(ctx, ids[0]))
	require.Len(t, f.reg.Instances("alpha"), 1)

	f.orch.Reconcile(ctx)
	assert.Len(t, f.reg.Instances("alpha"), 2)
	assert.Equal(t, 0, f.orch.Restarts("alpha"), "scaling back up is not a restart")
}

func TestSupervisionLoops(t *testing.T) {
	config := testOrchestratorConfig()
	config.ReconcileInterval = 10 * time.Millisecond
	config.MetricsInterval = 10 * time.Millisecond
	f := newFixture(t, config, nil)
	f.provider.usage = domain.ResourceUsage{CPUPercent: 42, MemoryPercent: 12, MemoryMB: 128}
	ctx := context.Background()
	ids := f.deploy(t, customGroup("alpha", 2, 3))

	require.NoError(t, f.orch.Start(ctx))
	assert.Error(t, f.orch.Start(ctx))
	defer f.orch.Stop()

	inst, _ := f.reg.Get(ids[0])
	eventually(t, func() bool { return inst.Metrics().CPUPercent == 42 }, "sampler feeds provider metrics")
	assert.Equal(t, 128.0, inst.Metrics().MemoryMB)

	require.True(t, f.reg.Unregister(ctx, ids[1]))
	eventually(t, func() bool { return len(f.reg.Instances("alpha")) == 2 }, "reconcile loop restores minimum")

	require.NoError(t, f.orch.Stop())
	assert.Equal(t, false, f.orch.GetStats()["running"])
}

func TestLogsAndExec(t *testing.T) {
	f := newFixture(t, testOrchestratorConfig(), nil)
	ctx := context.Background()
	ids := f.deploy(t, customGroup("alpha", 1, 1))
	inst, _ := f.reg.Get(ids[0])

	lines, err := f.orch.Logs(ctx, ids[0], 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"started " + inst.Handle}, lines)

	out, err := f.orch.Exec(ctx, ids[0], []string{"ls", "-l"})
	require.NoError(t, err)
	assert.Contains(t, out, "ls")

	_, err = f.orch.Exec(ctx, ids[0], nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = f.orch.Logs(ctx, "missing", 10)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
