package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/capability-router/internal/config"
	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/middleware"
	"github.com/mir00r/capability-router/internal/service"
	"github.com/mir00r/capability-router/pkg/logger"
)

// upProber reports every instance healthy
type upProber struct{}

func (upProber) Probe(context.Context, domain.Address, string) error { return nil }

// echoTransport answers with the instance id
type echoTransport struct{}

func (echoTransport) Invoke(_ context.Context, addr domain.Address, method string, _ json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"method":%q,"port":%d}`, method, addr.Port)), nil
}

// poolProvider hands out loopback ports
type poolProvider struct {
	mu   sync.Mutex
	next int
	live      map[string]domain.InstanceSpec
	addresses map[string]domain.Address
}

func newPoolProvider() *poolProvider {
	return &poolProvider{
		next:      20000,
		live:      make(map[string]domain.InstanceSpec),
		addresses: make(map[string]domain.Address),
	}
}

func (p *poolProvider) Name() string { return "pool" }

func (p *poolProvider) Deploy(_ context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := "h-" + strconv.Itoa(p.next)
	addr := domain.Address{Protocol: domain.ProtocolHTTP, Host: "127.0.0.1", Port: p.next}
	p.live[id] = spec
	p.addresses[id] = addr
	return domain.InstanceHandle{ID: id, Address: addr}, nil
}

func (p *poolProvider) Update(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

func (p *poolProvider) Rollback(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

func (p *poolProvider) Scale(ctx context.Context, spec domain.InstanceSpec, replicas int) ([]domain.InstanceHandle, error) {
	p.mu.Lock()
	var out []domain.InstanceHandle
	for id, s := range p.live {
		if s.Group == spec.Group {
			out = append(out, domain.InstanceHandle{ID: id, Address: p.addresses[id]})
		}
	}
	p.mu.Unlock()
	for len(out) < replicas {
		h, _ := p.Deploy(ctx, spec)
		out = append(out, h)
	}
	return out, nil
}

func (p *poolProvider) Delete(_ context.Context, handle domain.InstanceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, handle.ID)
	delete(p.addresses, handle.ID)
	return nil
}

func (p *poolProvider) Logs(_ context.Context, handle domain.InstanceHandle, lines int) ([]string, error) {
	return []string{"listening on " + handle.Address.Endpoint()}, nil
}

func (p *poolProvider) Exec(_ context.Context, _ domain.InstanceHandle, command []string) (string, error) {
	return strings.Join(command, " ") + "\n", nil
}

func (p *poolProvider) Metrics(_ context.Context, _ domain.InstanceHandle) (domain.ResourceUsage, error) {
	return domain.ResourceUsage{}, nil
}

type testServer struct {
	registry *service.Registry
	orch     *service.Orchestrator
	health   *HealthHandler
	server   *httptest.Server
	auth     *middleware.JWTAuthMiddleware
}

func newTestServer(t *testing.T, authEnabled bool) *testServer {
	t.Helper()
	log := logger.NewNop()

	cfg := config.DefaultConfig()
	cfg.HealthCheck.Interval = 20 * time.Millisecond
	cfg.HealthCheck.Timeout = 10 * time.Millisecond
	cfg.HealthCheck.HealthyThreshold = 1
	cfg.Orchestrator.HealthyTimeout = 2 * time.Second
	cfg.Orchestrator.PollInterval = 5 * time.Millisecond
	cfg.Orchestrator.RetryBackoff = time.Millisecond
	cfg.Orchestrator.DrainTimeout = 50 * time.Millisecond

	registry, err := service.NewRegistry(cfg.RegistryConfig(), nil, upProber{}, service.NewEventBus(), log)
	require.NoError(t, err)
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(func() { _ = registry.Stop() })

	orch := service.NewOrchestrator(cfg.OrchestratorConfig(), registry, echoTransport{}, newPoolProvider(), log)

	auth, err := middleware.NewJWTAuthMiddleware(config.AuthConfig{
		Enabled:   authEnabled,
		Secret:    "handler-secret",
		Issuer:    "capability-router",
		AdminRole: "admin",
	}, log, PublicPaths...)
	require.NoError(t, err)

	admin := NewAdminHandler(registry, orch, nil, log)
	admin.AddStatsSource("extra", func() map[string]interface{} { return map[string]interface{}{"ok": true} })
	health := NewHealthHandler(registry, "test")
	router := NewRouter(admin, health, NewPrometheusHandler(registry, orch.Metrics()),
		middleware.LoggingMiddleware(log),
		middleware.RecoveryMiddleware(log),
		auth.JWTAuth(),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{registry: registry, orch: orch, health: health, server: srv, auth: auth}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (ts *testServer) waitHealthy(t *testing.T, group string, n int) {
	t.Helper()
	capType := domain.Custom(group)
	require.Eventually(t, func() bool {
		return len(ts.registry.GetHealthyInstances(capType, domain.InstanceFilter{})) == n
	}, 3*time.Second, 10*time.Millisecond, "instances of %s become healthy", group)
}

func group(name string, min, max int) domain.BackendGroupConfig {
	return domain.BackendGroupConfig{
		Name:         name,
		Type:         domain.Custom(name),
		Version:      "v1",
		Protocol:     domain.ProtocolHTTP,
		MinInstances: min,
		MaxInstances: max,
	}
}

func decodeError(t *testing.T, body []byte) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestGroupLifecycle(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodPost, "/groups", group("files", 2, 4), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created service.ScaleResult
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Len(t, created.Created, 2)
	ts.waitHealthy(t, "files", 2)

	resp, body = ts.do(t, http.MethodPost, "/groups", group("files", 1, 1), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CONFIG", string(decodeError(t, body).Code))

	resp, body = ts.do(t, http.MethodGet, "/groups/files", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view GroupView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Len(t, view.Instances, 2)
	assert.Equal(t, service.StatusHealthy, view.Health)
	assert.Equal(t, 1, view.Revisions)

	resp, body = ts.do(t, http.MethodPost, "/groups/files/scale", ScaleRequest{Replicas: 3}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Len(t, ts.registry.Instances("files"), 3)

	resp, _ = ts.do(t, http.MethodPost, "/groups/files/scale", ScaleRequest{Replicas: 9}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "above max instances")

	resp, body = ts.do(t, http.MethodGet, "/groups", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []GroupView
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 1)

	resp, _ = ts.do(t, http.MethodDelete, "/groups/files", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = ts.do(t, http.MethodGet, "/groups/files", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", string(decodeError(t, body).Code))
}

func TestRolloutAndRollback(t *testing.T) {
	ts := newTestServer(t, false)
	resp, body := ts.do(t, http.MethodPost, "/groups", group("git", 2, 3), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ts.waitHealthy(t, "git", 2)

	next := group("git", 2, 3)
	next.Version = "v2"
	resp, body = ts.do(t, http.MethodPost, "/groups/git/rollout", RolloutRequest{Config: next, Reason: "bump"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rev domain.Revision
	require.NoError(t, json.Unmarshal(body, &rev))
	assert.Equal(t, 2, rev.Number)
	for _, inst := range ts.registry.Instances("git") {
		assert.Equal(t, "v2", inst.Version)
	}

	resp, body = ts.do(t, http.MethodPost, "/groups/git/rollback", RollbackRequest{Revision: 1}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	for _, inst := range ts.registry.Instances("git") {
		assert.Equal(t, "v1", inst.Version)
	}

	resp, body = ts.do(t, http.MethodGet, "/groups/git/revisions", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revisions []domain.Revision
	require.NoError(t, json.Unmarshal(body, &revisions))
	assert.Len(t, revisions, 3)

	resp, _ = ts.do(t, http.MethodPost, "/groups/git/rollback", RollbackRequest{Revision: 42}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInstanceOperations(t *testing.T) {
	ts := newTestServer(t, false)
	resp, body := ts.do(t, http.MethodPost, "/groups", group("db", 1, 2), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ts.waitHealthy(t, "db", 1)
	id := ts.registry.Instances("db")[0].ID

	resp, body = ts.do(t, http.MethodGet, "/instances?group=db&health=healthy", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var found []InstanceView
	require.NoError(t, json.Unmarshal(body, &found))
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	require.NotNil(t, found[0].Breaker)
	assert.Equal(t, service.BreakerClosed, found[0].Breaker.State)

	resp, _ = ts.do(t, http.MethodGet, "/instances?tag=broken", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/instances/"+id+"/drain", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, domain.HealthDraining, view.Health)

	resp, _ = ts.do(t, http.MethodPost, "/instances/"+id+"/undrain", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.waitHealthy(t, "db", 1)

	resp, body = ts.do(t, http.MethodPut, "/instances/"+id+"/weight", WeightRequest{Weight: 3}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, 3.0, view.Weight)

	resp, _ = ts.do(t, http.MethodPut, "/instances/"+id+"/weight", WeightRequest{Weight: -1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPut, "/instances/"+id+"/breaker", BreakerRequest{State: "open"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, service.BreakerOpen, view.Breaker.State)

	resp, _ = ts.do(t, http.MethodPut, "/instances/"+id+"/breaker", BreakerRequest{State: "sideways"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/execute/custom:db", ExecuteRequest{Method: "query"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "only candidate is open")
	assert.Equal(t, "CIRCUIT_OPEN", string(decodeError(t, body).Code))

	resp, _ = ts.do(t, http.MethodPut, "/instances/"+id+"/breaker", BreakerRequest{State: "auto"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/instances/"+id+"/health-check", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodGet, "/instances/"+id+"/logs?lines=5", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "listening on 127.0.0.1")

	resp, _ = ts.do(t, http.MethodGet, "/instances/"+id+"/logs?lines=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/instances/"+id+"/exec", ExecRequest{Command: []string{"echo", "hi"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "echo hi")

	resp, _ = ts.do(t, http.MethodPost, "/instances/"+id+"/exec", ExecRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/instances/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/instances/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterInstanceManually(t *testing.T) {
	ts := newTestServer(t, false)
	resp, body := ts.do(t, http.MethodPost, "/groups", group("search", 0, 2), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	meta := domain.InstanceMetadata{Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "10.1.1.1", Port: 9000}}
	resp, body = ts.do(t, http.MethodPost, "/groups/search/instances", meta, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "search", view.Group)

	resp, _ = ts.do(t, http.MethodPost, "/groups/missing/instances", meta, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteRoutesToHealthyInstance(t *testing.T) {
	ts := newTestServer(t, false)
	resp, body := ts.do(t, http.MethodPost, "/groups", group("web", 1, 1), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ts.waitHealthy(t, "web", 1)

	resp, body = ts.do(t, http.MethodPost, "/execute/custom:web", ExecuteRequest{
		Method:  "search",
		Params:  json.RawMessage(`{"q":"go"}`),
		Timeout: "1s",
		Retry:   &RetryRequest{MaxRetries: 1, Backoff: "1ms"},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result service.ExecuteResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "web", result.Group)
	assert.Equal(t, 1, result.Attempts)
	assert.JSONEq(t, fmt.Sprintf(`{"method":"search","port":%d}`, ts.registry.Instances("web")[0].Address.Port), string(result.Result))

	resp, _ = ts.do(t, http.MethodPost, "/execute/custom:web", ExecuteRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "method is required")
	resp, _ = ts.do(t, http.MethodPost, "/execute/custom:web", ExecuteRequest{Method: "x", Timeout: "soon"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/execute/memory", ExecuteRequest{Method: "recall"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_HEALTHY_BACKEND", string(decodeError(t, body).Code))

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `capability_router_requests_total{type="custom:web"} 1`)
	assert.Contains(t, string(body), `capability_router_request_duration_seconds_count{type="custom:web"} 1`)
	assert.Contains(t, string(body), `capability_router_request_duration_seconds_bucket{type="custom:web",le="+Inf"} 1`)
	assert.Contains(t, string(body), "capability_router_instance_healthy{")
}

func TestStatsAndStrategy(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodPut, "/strategy", StrategyRequest{Strategy: domain.LeastConnectionsStrategy}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, domain.LeastConnectionsStrategy, ts.registry.LoadBalancer().DefaultStrategy())

	resp, _ = ts.do(t, http.MethodPut, "/strategy", StrategyRequest{Strategy: "random"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/stats", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &stats))
	for _, key := range []string{"registry", "orchestrator", "requests", "load_balancer", "events", "extra"} {
		assert.Contains(t, stats, key)
	}

	resp, body = ts.do(t, http.MethodPost, "/reload", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, _ = ts.do(t, http.MethodGet, "/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	resp, _ := ts.do(t, http.MethodGet, "/liveness", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/readiness", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	ts.health.SetReady(true)
	resp, _ = ts.do(t, http.MethodGet, "/readiness", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "empty catalog cannot serve")

	resp, body := ts.do(t, http.MethodPost, "/groups", group("fs", 1, 1), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ts.waitHealthy(t, "fs", 1)

	resp, body = ts.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report service.HealthReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, service.StatusHealthy, report.Groups["fs"].Status)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, true)
	reader, err := ts.auth.IssueToken("viewer", []string{"read"}, time.Minute)
	require.NoError(t, err)
	admin, err := ts.auth.IssueToken("operator", []string{"admin"}, time.Minute)
	require.NoError(t, err)

	resp, _ := ts.do(t, http.MethodGet, "/groups", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/liveness", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/groups", nil, reader)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/groups", group("locked", 0, 1), reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, body := ts.do(t, http.MethodPost, "/groups", group("locked", 0, 1), admin)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
}
