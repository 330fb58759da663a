package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
)

// never lets a scheduled probe succeed, so tests drive health explicitly
func failingProber() *fakeProber {
	return newFakeProber(func(domain.Address) error { return errors.New("not probed yet") })
}

// healthyPorts answers probes successfully only for the listed ports
func healthyPorts(ports ...int) *fakeProber {
	ok := make(map[int]bool, len(ports))
	for _, p := range ports {
		ok[p] = true
	}
	return newFakeProber(func(addr domain.Address) error {
		if ok[addr.Port] {
			return nil
		}
		return errors.New("connection refused")
	})
}

// blockedProber holds every probe until the test ends
func blockedProber(t *testing.T) *fakeProber {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return newFakeProber(func(domain.Address) error {
		<-release
		return nil
	})
}

func probeUntilHealthy(t *testing.T, reg *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		snap, err := reg.CheckHealth(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, domain.HealthHealthy, snap.Health, "instance %s", id)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, failingProber())
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	cases := map[string]domain.InstanceMetadata{
		"missing host":   {Address: domain.Address{Protocol: domain.ProtocolHTTP, Port: 80}},
		"port zero":      {Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "h", Port: 0}},
		"port too large": {Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "h", Port: 70000}},
		"bad protocol":   {Address: domain.Address{Protocol: "udp", Host: "h", Port: 80}},
		"wrong type":     {Type: domain.Builtin(domain.KindGit), Address: domain.Address{Host: "h", Port: 80}},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Register(ctx, group, meta)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig), "got %v", err)
		})
	}

	_, err := reg.Register(ctx, domain.BackendGroupConfig{Name: "nameless-type"}, instanceMeta(80))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))

	assert.Empty(t, reg.All(), "rejected registrations leave no state")
	assert.Empty(t, reg.Groups())
}

func TestRegisterCreatesStartingUnknownInstance(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, testRegistryConfig(), store, blockedProber(t))
	events, cancel := reg.Events().Subscribe(10)
	defer cancel()

	id, err := reg.Register(context.Background(), customGroup("alpha", 0, 0), instanceMeta(8080))
	require.NoError(t, err)

	inst, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleStarting, inst.Lifecycle())
	assert.Equal(t, domain.Custom("alpha"), inst.Type)
	assert.Equal(t, 1.0, inst.Weight(), "weight defaults to 1")
	assert.Equal(t, "v1", inst.Version)

	assert.Equal(t, domain.EventInstanceRegistered, (<-events).Type)
	assert.Contains(t, store.instances, id)
	assert.Contains(t, store.groups, "alpha")

	id2, err := reg.Register(context.Background(), customGroup("alpha", 0, 0), instanceMeta(8080))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "ids are never reused")
}

func TestRegisterSchedulesImmediateProbe(t *testing.T) {
	prober := newFakeProber(nil)
	reg := newTestRegistry(t, testRegistryConfig(), nil, prober)

	id, err := reg.Register(context.Background(), customGroup("alpha", 0, 0), instanceMeta(8080))
	require.NoError(t, err)
	inst, _ := reg.Get(id)

	eventually(t, func() bool { return inst.Health() == domain.HealthHealthy }, "registration probes without waiting for a tick")
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, failingProber())
	assert.False(t, reg.Unregister(context.Background(), "missing"))
}

func TestHealthyInstancesNeverIncludeUnregistered(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)
	rng := rand.New(rand.NewSource(7))

	live := map[string]bool{}
	var order []string
	for step := 0; step < 200; step++ {
		if len(order) == 0 || rng.Intn(3) > 0 {
			id, err := reg.Register(ctx, group, instanceMeta(9000+step))
			require.NoError(t, err)
			probeUntilHealthy(t, reg, id)
			live[id] = true
			order = append(order, id)
		} else {
			idx := rng.Intn(len(order))
			id := order[idx]
			order = append(order[:idx], order[idx+1:]...)
			require.True(t, reg.Unregister(ctx, id))
			delete(live, id)
		}

		healthy := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{})
		for _, inst := range healthy {
			assert.True(t, live[inst.ID], "unregistered instance %s returned", inst.ID)
		}
		assert.Len(t, healthy, len(live))
	}
}

func TestAlphaScenario(t *testing.T) {
	config := testRegistryConfig()
	config.HealthCheck.HealthyThreshold = 3
	prober := failingProber()
	reg := newTestRegistry(t, config, nil, prober)
	provider := newFakeProvider()
	orch := NewOrchestrator(OrchestratorConfig{}, reg, &fakeTransport{}, provider, reg.base)
	ctx := context.Background()

	result, err := orch.DeployGroup(ctx, customGroup("alpha", 2, 4))
	require.NoError(t, err)
	require.Len(t, result.Created, 2)

	for _, id := range result.Created {
		inst, _ := reg.Get(id)
		eventually(t, func() bool { return inst.Health() == domain.HealthUnhealthy }, "registration probe fails")
	}

	prober.setCheck(func(domain.Address) error { return nil })
	for round := 1; round <= 3; round++ {
		for _, id := range result.Created {
			inst, _ := reg.Get(id)
			// scheduled probes failed, so the success streak starts here
			_, _, err := reg.Monitor().CheckNow(ctx, inst)
			require.NoError(t, err)
			if round < 3 {
				assert.NotEqual(t, domain.HealthHealthy, inst.Health(), "round %d", round)
			}
		}
	}

	for _, id := range result.Created {
		inst, _ := reg.Get(id)
		assert.Equal(t, domain.HealthHealthy, inst.Health())
	}
	for i := 0; i < 20; i++ {
		inst, ok := reg.SelectInstance(domain.Custom("alpha"), domain.SelectionHints{})
		require.True(t, ok, "selection never returns none")
		assert.Contains(t, result.Created, inst.ID)
	}
}

func TestSelectInstanceExclusionsAndDrain(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	a, _ := reg.Register(ctx, group, instanceMeta(1001))
	b, _ := reg.Register(ctx, group, instanceMeta(1002))
	probeUntilHealthy(t, reg, a, b)

	inst, ok := reg.SelectInstance(group.Type, domain.SelectionHints{Exclude: map[string]struct{}{a: {}}})
	require.True(t, ok)
	assert.Equal(t, b, inst.ID)

	require.NoError(t, reg.Drain(b))
	_, ok = reg.SelectInstance(group.Type, domain.SelectionHints{Exclude: map[string]struct{}{a: {}}})
	assert.False(t, ok, "draining instance is excluded")

	require.NoError(t, reg.Undrain(b))
	got, _ := reg.Get(b)
	assert.Equal(t, domain.HealthHealthy, got.Health(), "undrain restores health when the streak meets the threshold")

	assert.True(t, errors.Is(reg.Drain("missing"), apperrors.ErrNotFound))
	_, ok = reg.SelectInstance(domain.Builtin(domain.KindGit), domain.SelectionHints{})
	assert.False(t, ok)
}

func TestUndrainWithoutStreakReturnsUnknown(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, failingProber())
	id, _ := reg.Register(context.Background(), customGroup("alpha", 0, 0), instanceMeta(1001))

	require.NoError(t, reg.Drain(id))
	require.NoError(t, reg.Undrain(id))
	inst, _ := reg.Get(id)
	assert.Equal(t, domain.HealthUnknown, inst.Health())
}

func TestFiltersAndAffinityPreference(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	east := instanceMeta(1001)
	east.Region = "east"
	east.Capabilities = []string{"read", "write"}
	east.AffinityKeys = []string{"tenant-1"}
	west := instanceMeta(1002)
	west.Region = "west"
	west.Capabilities = []string{"read"}
	west.Tags = map[string]string{"tier": "gold"}

	eastID, _ := reg.Register(ctx, group, east)
	westID, _ := reg.Register(ctx, group, west)
	probeUntilHealthy(t, reg, eastID, westID)

	byRegion := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{Region: "west"})
	require.Len(t, byRegion, 1)
	assert.Equal(t, westID, byRegion[0].ID)

	byCap := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{Capabilities: []string{"write"}})
	require.Len(t, byCap, 1)
	assert.Equal(t, eastID, byCap[0].ID)

	byTag := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{Tags: map[string]string{"tier": "gold"}})
	require.Len(t, byTag, 1)
	assert.Equal(t, westID, byTag[0].ID)

	owners := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{AffinityKey: "tenant-1"})
	require.Len(t, owners, 1)
	assert.Equal(t, eastID, owners[0].ID)

	nobody := reg.GetHealthyInstances(group.Type, domain.InstanceFilter{AffinityKey: "tenant-9"})
	assert.Len(t, nobody, 2, "an affinity key nobody declares is ignored")
}

func TestGroupStrategyIsUsed(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	ctx := context.Background()
	group := customGroup("sticky", 0, 0)
	group.Strategy = domain.ConsistentHashStrategy

	var ids []string
	for port := 1001; port <= 1004; port++ {
		id, err := reg.Register(ctx, group, instanceMeta(port))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	probeUntilHealthy(t, reg, ids...)

	hints := domain.SelectionHints{AffinityKey: "session-42"}
	first, ok := reg.SelectInstance(group.Type, hints)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		inst, _ := reg.SelectInstance(group.Type, hints)
		assert.Equal(t, first.ID, inst.ID)
	}
}

func TestSearch(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, healthyPorts(1001))
	ctx := context.Background()

	fs := domain.BackendGroupConfig{Name: "files", Type: domain.Builtin(domain.KindFilesystem), Protocol: domain.ProtocolHTTP, Region: "east"}
	git := domain.BackendGroupConfig{Name: "git", Type: domain.Builtin(domain.KindGit), Protocol: domain.ProtocolTCP, Region: "east"}

	fsID, _ := reg.Register(ctx, fs, instanceMeta(1001))
	gitID, _ := reg.Register(ctx, git, instanceMeta(1002))
	probeUntilHealthy(t, reg, fsID)

	gitType := domain.Builtin(domain.KindGit)
	assert.Len(t, reg.Search(domain.SearchCriteria{Region: "east"}), 2)

	found := reg.Search(domain.SearchCriteria{Region: "east", Type: &gitType})
	require.Len(t, found, 1)
	assert.Equal(t, gitID, found[0].ID)

	healthy := reg.Search(domain.SearchCriteria{Health: domain.HealthHealthy})
	require.Len(t, healthy, 1)
	assert.Equal(t, fsID, healthy[0].ID)

	assert.Empty(t, reg.Search(domain.SearchCriteria{Region: "east", Group: "files", Health: domain.HealthUnknown}))
}

func TestHealthReport(t *testing.T) {
	assert.Equal(t, StatusHealthy, ClassifyHealth(9, 10))
	assert.Equal(t, StatusDegraded, ClassifyHealth(5, 10))
	assert.Equal(t, StatusUnhealthy, ClassifyHealth(4, 10))
	assert.Equal(t, StatusUnhealthy, ClassifyHealth(0, 0))

	reg := newTestRegistry(t, testRegistryConfig(), nil, healthyPorts(1001, 1002))
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	var ids []string
	for port := 1001; port <= 1004; port++ {
		id, _ := reg.Register(ctx, group, instanceMeta(port))
		ids = append(ids, id)
	}
	probeUntilHealthy(t, reg, ids[:2]...)
	require.NoError(t, reg.Drain(ids[3]))

	report := reg.HealthReport()
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Healthy)
	assert.Equal(t, 1, report.Draining)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Groups["alpha"].Status)
}

func TestUnregisterGroupCascades(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, testRegistryConfig(), store, failingProber())
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	reg.Register(ctx, group, instanceMeta(1001))
	reg.Register(ctx, group, instanceMeta(1002))

	removed, err := reg.UnregisterGroup(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, reg.All())
	assert.Empty(t, store.instances)
	assert.Empty(t, store.groups)

	_, err = reg.UnregisterGroup(ctx, "alpha")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGroupLifecycleErrors(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, failingProber())
	ctx := context.Background()
	group := customGroup("alpha", 1, 3)

	require.NoError(t, reg.RegisterGroup(ctx, group))
	assert.True(t, errors.Is(reg.RegisterGroup(ctx, group), apperrors.ErrInvalidConfig), "duplicate group")

	changed := group
	changed.Type = domain.Builtin(domain.KindGit)
	assert.True(t, errors.Is(reg.UpdateGroup(ctx, changed), apperrors.ErrInvalidConfig), "type is fixed")

	missing := customGroup("beta", 0, 0)
	assert.True(t, errors.Is(reg.UpdateGroup(ctx, missing), apperrors.ErrNotFound))

	bad := group
	bad.MaxInstances = 0
	bad.MinInstances = -1
	assert.True(t, errors.Is(reg.RegisterGroup(ctx, bad), apperrors.ErrInvalidConfig))
}

func TestRegistryRestoresFromStore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := newTestRegistry(t, testRegistryConfig(), store, newFakeProber(nil))
	id, err := first.Register(ctx, customGroup("alpha", 0, 0), instanceMeta(1001))
	require.NoError(t, err)
	probeUntilHealthy(t, first, id)
	require.NoError(t, first.SetWeight(ctx, id, 5))

	second := newTestRegistry(t, testRegistryConfig(), store, failingProber())
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	inst, ok := second.Get(id)
	require.True(t, ok, "persisted instance restored with its id")
	assert.Equal(t, 5.0, inst.Weight())
	assert.NotEqual(t, domain.HealthHealthy, inst.Health(), "restored instances re-earn health")
	_, ok = second.Group("alpha")
	assert.True(t, ok)
}

func TestConcurrentSelectionAndProbing(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, newFakeProber(nil))
	ctx := context.Background()
	group := customGroup("alpha", 0, 0)

	var ids []string
	for port := 1001; port <= 1005; port++ {
		id, _ := reg.Register(ctx, group, instanceMeta(port))
		ids = append(ids, id)
	}
	probeUntilHealthy(t, reg, ids...)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				reg.SelectInstance(group.Type, domain.SelectionHints{})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				reg.Monitor().Sweep(ctx)
				_ = reg.UpdateMetrics(ids[i%len(ids)], domain.MetricsDelta{Requests: 1})
			}
		}()
	}
	wg.Wait()

	total := int64(0)
	for _, id := range ids {
		inst, _ := reg.Get(id)
		total += inst.Metrics().RequestCount
	}
	assert.Equal(t, int64(80), total)
}

func TestForceBreakerAndWeight(t *testing.T) {
	reg := newTestRegistry(t, testRegistryConfig(), nil, failingProber())
	ctx := context.Background()
	id, _ := reg.Register(ctx, customGroup("alpha", 0, 0), instanceMeta(1001))

	require.NoError(t, reg.ForceBreaker(id, OverrideOpen))
	breaker, _ := reg.Breaker(id)
	assert.Equal(t, BreakerOpen, breaker.State())

	assert.True(t, errors.Is(reg.SetWeight(ctx, id, -1), apperrors.ErrInvalidConfig))
	assert.True(t, errors.Is(reg.SetWeight(ctx, "missing", 1), apperrors.ErrNotFound))
	assert.True(t, errors.Is(reg.ForceBreaker("missing", OverrideOpen), apperrors.ErrNotFound))
	assert.True(t, errors.Is(reg.UpdateMetrics("missing", domain.MetricsDelta{}), apperrors.ErrNotFound))
}
