// Package handler exposes the administrative HTTP surface of the capability
// router: group and instance management, request execution, rollouts,
// statistics and the router's own health endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/internal/middleware"
	"github.com/mir00r/capability-router/internal/service"
	"github.com/mir00r/capability-router/pkg/logger"
)

const (
	adminComponent   = "admin_api"
	defaultLogLines  = 100
	maxRequestBodyMB = 4
)

// StatsSource contributes a section to GET /stats
type StatsSource func() map[string]interface{}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	registry     *service.Registry
	orchestrator *service.Orchestrator
	reload       *service.ConfigReloadService
	logger       *logger.Logger
	startTime    time.Time

	mu      sync.RWMutex
	sources map[string]StatsSource
}

// NewAdminHandler creates a new admin handler. reload may be nil when the
// configuration is not file backed.
func NewAdminHandler(registry *service.Registry, orchestrator *service.Orchestrator, reload *service.ConfigReloadService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		registry:     registry,
		orchestrator: orchestrator,
		reload:       reload,
		logger:       log.AdminLogger(),
		startTime:    time.Now(),
		sources:      make(map[string]StatsSource),
	}
}

// AddStatsSource registers an extra section for GET /stats
func (h *AdminHandler) AddStatsSource(name string, source StatsSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[name] = source
}

// Routes registers the admin endpoints on router
func (h *AdminHandler) Routes(router *mux.Router) {
	router.HandleFunc("/groups", h.ListGroupsHandler).Methods(http.MethodGet)
	router.HandleFunc("/groups", h.CreateGroupHandler).Methods(http.MethodPost)
	router.HandleFunc("/groups/{name}", h.GetGroupHandler).Methods(http.MethodGet)
	router.HandleFunc("/groups/{name}", h.UpdateGroupHandler).Methods(http.MethodPut)
	router.HandleFunc("/groups/{name}", h.DeleteGroupHandler).Methods(http.MethodDelete)
	router.HandleFunc("/groups/{name}/instances", h.RegisterInstanceHandler).Methods(http.MethodPost)
	router.HandleFunc("/groups/{name}/scale", h.ScaleHandler).Methods(http.MethodPost)
	router.HandleFunc("/groups/{name}/rollout", h.RolloutHandler).Methods(http.MethodPost)
	router.HandleFunc("/groups/{name}/rollback", h.RollbackHandler).Methods(http.MethodPost)
	router.HandleFunc("/groups/{name}/revisions", h.RevisionsHandler).Methods(http.MethodGet)

	router.HandleFunc("/instances", h.SearchInstancesHandler).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}", h.GetInstanceHandler).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}", h.DeleteInstanceHandler).Methods(http.MethodDelete)
	router.HandleFunc("/instances/{id}/metrics", h.InstanceMetricsHandler).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/drain", h.DrainHandler).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/undrain", h.UndrainHandler).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/health-check", h.HealthCheckHandler).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/weight", h.WeightHandler).Methods(http.MethodPut)
	router.HandleFunc("/instances/{id}/breaker", h.BreakerHandler).Methods(http.MethodPut)
	router.HandleFunc("/instances/{id}/logs", h.LogsHandler).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/exec", h.ExecHandler).Methods(http.MethodPost)

	router.HandleFunc("/execute/{type}", h.ExecuteHandler).Methods(http.MethodPost)
	router.HandleFunc("/strategy", h.StrategyHandler).Methods(http.MethodPut)
	router.HandleFunc("/reload", h.ReloadHandler).Methods(http.MethodPost)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// GroupView is a group with its current instances
type GroupView struct {
	Config    domain.BackendGroupConfig `json:"config"`
	Instances []InstanceView            `json:"instances"`
	Health    string                    `json:"health"`
	Revisions int                       `json:"revisions"`
	Restarts  int                       `json:"restarts"`
}

// InstanceView is an instance snapshot with its breaker state
type InstanceView struct {
	domain.InstanceSnapshot
	Breaker *service.BreakerSnapshot `json:"breaker,omitempty"`
}

// ScaleRequest is the body of POST /groups/{name}/scale
type ScaleRequest struct {
	Replicas int `json:"replicas"`
}

// RolloutRequest is the body of POST /groups/{name}/rollout
type RolloutRequest struct {
	Config domain.BackendGroupConfig `json:"config"`
	Reason string                    `json:"reason,omitempty"`
}

// RollbackRequest is the body of POST /groups/{name}/rollback
type RollbackRequest struct {
	Revision int `json:"revision"`
}

// WeightRequest is the body of PUT /instances/{id}/weight
type WeightRequest struct {
	Weight float64 `json:"weight"`
}

// BreakerRequest is the body of PUT /instances/{id}/breaker
type BreakerRequest struct {
	State string `json:"state"`
}

// ExecRequest is the body of POST /instances/{id}/exec
type ExecRequest struct {
	Command []string `json:"command"`
}

// StrategyRequest is the body of PUT /strategy
type StrategyRequest struct {
	Strategy domain.StrategyType `json:"strategy"`
}

// ExecuteRequest is the body of POST /execute/{type}
type ExecuteRequest struct {
	Method       string            `json:"method"`
	Params       json.RawMessage   `json:"params,omitempty"`
	AffinityKey  string            `json:"affinity_key,omitempty"`
	Group        string            `json:"group,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	Retry        *RetryRequest     `json:"retry,omitempty"`
}

// RetryRequest overrides the retry policy of one execution
type RetryRequest struct {
	MaxRetries int    `json:"max_retries"`
	Backoff    string `json:"backoff,omitempty"`
	MaxBackoff string `json:"max_backoff,omitempty"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody carries the code of the failed operation
type ErrorBody struct {
	Code     apperrors.ErrorCode    `json:"code"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ListGroupsHandler handles GET /groups
func (h *AdminHandler) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups := h.registry.Groups()
	views := make([]GroupView, 0, len(groups))
	for _, cfg := range groups {
		views = append(views, h.groupView(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateGroupHandler handles POST /groups
func (h *AdminHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var cfg domain.BackendGroupConfig
	if !h.decode(w, r, &cfg) {
		return
	}
	if _, exists := h.registry.Group(cfg.Name); exists && cfg.Name != "" {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "group %q already exists", cfg.Name))
		return
	}

	result, err := h.orchestrator.DeployGroup(r.Context(), cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "create_group").WithFields(map[string]interface{}{
		"group":   cfg.Name,
		"created": len(result.Created),
	}).Info("Created group")
	writeJSON(w, http.StatusCreated, result)
}

// GetGroupHandler handles GET /groups/{name}
func (h *AdminHandler) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.group(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.groupView(cfg))
}

// UpdateGroupHandler handles PUT /groups/{name}. The change applies to
// routing only; use rollout to change what instances run.
func (h *AdminHandler) UpdateGroupHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var cfg domain.BackendGroupConfig
	if !h.decode(w, r, &cfg) {
		return
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Name != name {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "config name %q does not match group %q", cfg.Name, name))
		return
	}
	if err := h.registry.UpdateGroup(r.Context(), cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "update_group").WithField("group", name).Info("Updated group")
	updated, _ := h.registry.Group(name)
	writeJSON(w, http.StatusOK, h.groupView(updated))
}

// DeleteGroupHandler handles DELETE /groups/{name}
func (h *AdminHandler) DeleteGroupHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.orchestrator.DeleteGroup(r.Context(), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "delete_group").WithField("group", name).Info("Deleted group")
	w.WriteHeader(http.StatusNoContent)
}

// RegisterInstanceHandler handles POST /groups/{name}/instances for
// instances started outside the deployment provider
func (h *AdminHandler) RegisterInstanceHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var meta domain.InstanceMetadata
	if !h.decode(w, r, &meta) {
		return
	}
	id, err := h.registry.RegisterInstance(r.Context(), name, meta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "register_instance").WithFields(map[string]interface{}{
		"group":       name,
		"instance_id": id,
		"endpoint":    meta.Address.Endpoint(),
	}).Info("Registered instance")

	inst, _ := h.registry.Get(id)
	writeJSON(w, http.StatusCreated, h.instanceView(inst))
}

// ScaleHandler handles POST /groups/{name}/scale
func (h *AdminHandler) ScaleHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req ScaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.orchestrator.Scale(r.Context(), name, req.Replicas)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "scale").WithFields(map[string]interface{}{
		"group": name,
		"from":  result.From,
		"to":    result.To,
	}).Info("Scaled group")
	writeJSON(w, http.StatusOK, result)
}

// RolloutHandler handles POST /groups/{name}/rollout
func (h *AdminHandler) RolloutHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req RolloutRequest
	if !h.decode(w, r, &req) {
		return
	}
	rev, err := h.orchestrator.RollingUpdate(r.Context(), name, req.Config, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "rollout").WithFields(map[string]interface{}{
		"group":    name,
		"revision": rev.Number,
	}).Info("Rolled out group")
	writeJSON(w, http.StatusOK, rev)
}

// RollbackHandler handles POST /groups/{name}/rollback
func (h *AdminHandler) RollbackHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req RollbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	rev, err := h.orchestrator.Rollback(r.Context(), name, req.Revision)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "rollback").WithFields(map[string]interface{}{
		"group":    name,
		"target":   req.Revision,
		"revision": rev.Number,
	}).Info("Rolled back group")
	writeJSON(w, http.StatusOK, rev)
}

// RevisionsHandler handles GET /groups/{name}/revisions
func (h *AdminHandler) RevisionsHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := h.group(w, r); !ok {
		return
	}
	revisions := h.orchestrator.History().List(name)
	if revisions == nil {
		revisions = []domain.Revision{}
	}
	writeJSON(w, http.StatusOK, revisions)
}

// SearchInstancesHandler handles GET /instances. Supported query parameters
// are type, group, region, lifecycle, health, tag=key:value and capability;
// tag and capability may repeat.
func (h *AdminHandler) SearchInstancesHandler(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseSearch(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	found := h.registry.Search(criteria)
	views := make([]InstanceView, 0, len(found))
	for _, inst := range found {
		views = append(views, h.instanceView(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func parseSearch(r *http.Request) (domain.SearchCriteria, error) {
	q := r.URL.Query()
	criteria := domain.SearchCriteria{
		Group:        q.Get("group"),
		Region:       q.Get("region"),
		Lifecycle:    domain.LifecycleStatus(q.Get("lifecycle")),
		Health:       domain.HealthStatus(q.Get("health")),
		Capabilities: q["capability"],
	}
	if raw := q.Get("type"); raw != "" {
		capType, err := domain.ParseCapabilityType(raw)
		if err != nil {
			return criteria, apperrors.NewInvalidConfigError(adminComponent, "%v", err)
		}
		criteria.Type = &capType
	}
	for _, tag := range q["tag"] {
		key, value, ok := strings.Cut(tag, ":")
		if !ok || key == "" {
			return criteria, apperrors.NewInvalidConfigError(adminComponent, "tag filter %q must be key:value", tag)
		}
		if criteria.Tags == nil {
			criteria.Tags = make(map[string]string)
		}
		criteria.Tags[key] = value
	}
	return criteria, nil
}

// GetInstanceHandler handles GET /instances/{id}
func (h *AdminHandler) GetInstanceHandler(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.instanceView(inst))
}

// DeleteInstanceHandler handles DELETE /instances/{id}
func (h *AdminHandler) DeleteInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.orchestrator.RemoveInstance(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "delete_instance").WithField("instance_id", id).Info("Deleted instance")
	w.WriteHeader(http.StatusNoContent)
}

// InstanceMetricsHandler handles GET /instances/{id}/metrics
func (h *AdminHandler) InstanceMetricsHandler(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	response := map[string]interface{}{
		"instance_id": inst.ID,
		"metrics":     inst.Metrics(),
	}
	if routing, ok := h.orchestrator.Metrics().Instance(inst.ID); ok {
		response["routing"] = routing
	}
	writeJSON(w, http.StatusOK, response)
}

// DrainHandler handles POST /instances/{id}/drain
func (h *AdminHandler) DrainHandler(w http.ResponseWriter, r *http.Request) {
	h.instanceAction(w, r, "drain", h.registry.Drain)
}

// UndrainHandler handles POST /instances/{id}/undrain
func (h *AdminHandler) UndrainHandler(w http.ResponseWriter, r *http.Request) {
	h.instanceAction(w, r, "undrain", h.registry.Undrain)
}

func (h *AdminHandler) instanceAction(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, action).WithField("instance_id", id).Info("Instance action applied")
	inst, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, h.instanceView(inst))
}

// HealthCheckHandler handles POST /instances/{id}/health-check
func (h *AdminHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, err := h.registry.CheckHealth(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// WeightHandler handles PUT /instances/{id}/weight
func (h *AdminHandler) WeightHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req WeightRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.registry.SetWeight(r.Context(), id, req.Weight); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "set_weight").WithFields(map[string]interface{}{
		"instance_id": id,
		"weight":      req.Weight,
	}).Info("Instance weight changed")
	inst, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, h.instanceView(inst))
}

// BreakerHandler handles PUT /instances/{id}/breaker with open, closed or auto
func (h *AdminHandler) BreakerHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req BreakerRequest
	if !h.decode(w, r, &req) {
		return
	}
	override, err := service.ParseBreakerOverride(req.State)
	if err != nil {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "%v", err))
		return
	}
	if err := h.registry.ForceBreaker(id, override); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "force_breaker").WithFields(map[string]interface{}{
		"instance_id": id,
		"override":    override,
	}).Info("Breaker override applied")
	inst, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, h.instanceView(inst))
}

// LogsHandler handles GET /instances/{id}/logs?lines=N
func (h *AdminHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "lines must be a non-negative integer"))
			return
		}
		lines = n
	}
	out, err := h.orchestrator.Logs(r.Context(), id, lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance_id": id, "lines": out})
}

// ExecHandler handles POST /instances/{id}/exec
func (h *AdminHandler) ExecHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ExecRequest
	if !h.decode(w, r, &req) {
		return
	}
	output, err := h.orchestrator.Exec(r.Context(), id, req.Command)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "exec").WithFields(map[string]interface{}{
		"instance_id": id,
		"command":     req.Command[0],
	}).Info("Executed command in instance")
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance_id": id, "output": output})
}

// ExecuteHandler handles POST /execute/{type}
func (h *AdminHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	capType, err := domain.ParseCapabilityType(mux.Vars(r)["type"])
	if err != nil {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "%v", err))
		return
	}
	var body ExecuteRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toService()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.orchestrator.Execute(r.Context(), capType, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (body ExecuteRequest) toService() (service.ExecuteRequest, error) {
	if body.Method == "" {
		return service.ExecuteRequest{}, apperrors.NewInvalidConfigError(adminComponent, "method is required")
	}
	req := service.ExecuteRequest{
		Method: body.Method,
		Params: body.Params,
		Hints: domain.SelectionHints{
			AffinityKey: body.AffinityKey,
			Group:       body.Group,
			Filter: domain.InstanceFilter{
				Region:       body.Region,
				Tags:         body.Tags,
				Capabilities: body.Capabilities,
				AffinityKey:  body.AffinityKey,
			},
		},
	}

	var err error
	if req.Timeout, err = parseDuration("timeout", body.Timeout); err != nil {
		return req, err
	}
	if body.Retry != nil {
		policy := domain.RetryPolicy{MaxRetries: body.Retry.MaxRetries}
		if policy.MaxRetries < 0 {
			return req, apperrors.NewInvalidConfigError(adminComponent, "max_retries cannot be negative")
		}
		if policy.Backoff, err = parseDuration("backoff", body.Retry.Backoff); err != nil {
			return req, err
		}
		if policy.MaxBackoff, err = parseDuration("max_backoff", body.Retry.MaxBackoff); err != nil {
			return req, err
		}
		req.Retry = &policy
	}
	return req, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperrors.NewInvalidConfigError(adminComponent, "%s must be a non-negative duration, got %q", field, raw)
	}
	return d, nil
}

// StrategyHandler handles PUT /strategy
func (h *AdminHandler) StrategyHandler(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.registry.LoadBalancer().SetDefaultStrategy(req.Strategy); err != nil {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "%v", err))
		return
	}
	h.audit(r, "set_strategy").WithField("strategy", req.Strategy).Info("Default strategy changed")
	writeJSON(w, http.StatusOK, h.registry.LoadBalancer().GetStats())
}

// ReloadHandler handles POST /reload
func (h *AdminHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "configuration reload is not available"))
		return
	}
	result, err := h.reload.Reload(r.Context())
	if err != nil {
		h.writeError(w, r, apperrors.WrapError(err, apperrors.ErrCodeInvalidConfig, adminComponent, "configuration reload failed"))
		return
	}
	h.audit(r, "reload").WithField("unchanged", result.Unchanged).Info("Configuration reloaded")
	writeJSON(w, http.StatusOK, result)
}

// StatsHandler handles GET /stats
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"registry":      h.registry.GetStats(),
		"orchestrator":  h.orchestrator.GetStats(),
		"requests":      h.orchestrator.Metrics().GetStats(),
		"load_balancer": h.registry.LoadBalancer().GetStats(),
		"events":        h.registry.Events().GetStats(),
	}
	if h.reload != nil {
		stats["reload"] = h.reload.GetReloadStats()
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats[name] = h.sources[name]()
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) groupView(cfg domain.BackendGroupConfig) GroupView {
	instances := h.registry.Instances(cfg.Name)
	view := GroupView{
		Config:    cfg,
		Instances: make([]InstanceView, 0, len(instances)),
		Revisions: h.orchestrator.History().Len(cfg.Name),
		Restarts:  h.orchestrator.Restarts(cfg.Name),
	}
	healthy := 0
	for _, inst := range instances {
		if inst.Health() == domain.HealthHealthy {
			healthy++
		}
		view.Instances = append(view.Instances, h.instanceView(inst))
	}
	view.Health = service.ClassifyHealth(healthy, len(instances))
	return view
}

func (h *AdminHandler) instanceView(inst *domain.BackendInstance) InstanceView {
	if inst == nil {
		return InstanceView{}
	}
	view := InstanceView{InstanceSnapshot: inst.Snapshot()}
	if breaker, ok := h.registry.Breaker(inst.ID); ok {
		snap := breaker.Snapshot()
		view.Breaker = &snap
	}
	return view
}

func (h *AdminHandler) group(w http.ResponseWriter, r *http.Request) (domain.BackendGroupConfig, bool) {
	name := mux.Vars(r)["name"]
	cfg, ok := h.registry.Group(name)
	if !ok {
		h.writeError(w, r, apperrors.NewNotFoundError(adminComponent, "group", name))
	}
	return cfg, ok
}

func (h *AdminHandler) instance(w http.ResponseWriter, r *http.Request) (*domain.BackendInstance, bool) {
	id := mux.Vars(r)["id"]
	inst, ok := h.registry.Get(id)
	if !ok {
		h.writeError(w, r, apperrors.NewNotFoundError(adminComponent, "instance", id))
	}
	return inst, ok
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyMB<<20)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		h.writeError(w, r, apperrors.NewInvalidConfigError(adminComponent, "invalid JSON body: %v", err))
		return false
	}
	return true
}

func (h *AdminHandler) audit(r *http.Request, action string) *logger.Logger {
	log := h.logger.WithFields(map[string]interface{}{
		"action":     action,
		"request_id": middleware.RequestID(r.Context()),
	})
	if claims, ok := middleware.Claims(r.Context()); ok {
		log = log.WithField("subject", claims.Subject)
	}
	return log
}

// writeError writes a standardized error response
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	body := ErrorBody{Code: apperrors.ErrCodeInternalError, Message: err.Error()}

	var pErr *apperrors.PlaneError
	if errors.As(err, &pErr) {
		body.Code = pErr.Code
		body.Message = pErr.Message
		body.Metadata = pErr.Metadata
	}

	log := h.logger.WithFields(map[string]interface{}{
		"code":       body.Code,
		"status":     status,
		"path":       r.URL.Path,
		"request_id": middleware.RequestID(r.Context()),
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("API error response")
	} else {
		log.Debug("API error response")
	}

	writeJSON(w, status, ErrorResponse{
		Error:     body,
		RequestID: middleware.RequestID(r.Context()),
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
