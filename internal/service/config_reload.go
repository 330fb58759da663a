package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// DesiredState is the group layout declared by a configuration source
type DesiredState struct {
	Strategy domain.StrategyType         `json:"strategy"`
	Groups   []domain.BackendGroupConfig `json:"groups"`
}

// StateSource loads the current desired state, typically from the config file
type StateSource func() (DesiredState, error)

// ReloadResult summarizes what one reload changed
type ReloadResult struct {
	Unchanged       bool     `json:"unchanged"`
	Deployed        []string `json:"deployed,omitempty"`
	Updated         []string `json:"updated,omitempty"`
	RolledOut       []string `json:"rolled_out,omitempty"`
	Removed         []string `json:"removed,omitempty"`
	StrategyChanged bool     `json:"strategy_changed"`
}

// ConfigReloadService applies configuration changes to the running groups.
// Groups it deployed are removed again when they leave the configuration;
// groups created through the admin API are never touched.
type ConfigReloadService struct {
	orchestrator *Orchestrator
	source       StateSource
	interval     time.Duration
	logger       *logger.Logger

	mu          sync.Mutex
	managed     map[string]struct{}
	fingerprint string
	reloads     int64
	failures    int64
	lastReload  time.Time

	runMu     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewConfigReloadService creates a reload service. An interval of zero
// disables the watcher; Reload can still be triggered explicitly.
func NewConfigReloadService(orchestrator *Orchestrator, source StateSource, interval time.Duration, log *logger.Logger) *ConfigReloadService {
	return &ConfigReloadService{
		orchestrator: orchestrator,
		source:       source,
		interval:     interval,
		logger:       log.ConfigLogger(),
		managed:      make(map[string]struct{}),
	}
}

// StartWatcher polls the source and reloads when its content changes
func (crs *ConfigReloadService) StartWatcher(ctx context.Context) error {
	crs.runMu.Lock()
	defer crs.runMu.Unlock()

	if crs.isRunning {
		return fmt.Errorf("config watcher is already running")
	}
	if crs.interval <= 0 {
		return fmt.Errorf("config watch interval must be positive")
	}
	runCtx, cancel := context.WithCancel(ctx)
	crs.cancel = cancel
	crs.isRunning = true

	crs.wg.Add(1)
	go crs.watch(runCtx)

	crs.logger.WithField("interval", crs.interval.String()).Info("Started configuration watcher")
	return nil
}

// StopWatcher stops the watcher and waits for an in-flight reload
func (crs *ConfigReloadService) StopWatcher() {
	crs.runMu.Lock()
	if !crs.isRunning {
		crs.runMu.Unlock()
		return
	}
	crs.cancel()
	crs.isRunning = false
	crs.runMu.Unlock()

	crs.wg.Wait()
	crs.logger.Info("Stopped configuration watcher")
}

func (crs *ConfigReloadService) watch(ctx context.Context) {
	defer crs.wg.Done()

	ticker := time.NewTicker(crs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := crs.Reload(ctx); err != nil {
				crs.logger.WithError(err).Error("Configuration reload failed")
			}
		}
	}
}

// Reload loads the source and applies it when it differs from the last
// applied state
func (crs *ConfigReloadService) Reload(ctx context.Context) (ReloadResult, error) {
	state, err := crs.source()
	if err != nil {
		crs.countFailure()
		return ReloadResult{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	fp, err := fingerprint(state)
	if err != nil {
		return ReloadResult{}, err
	}
	crs.mu.Lock()
	unchanged := fp == crs.fingerprint
	crs.mu.Unlock()
	if unchanged {
		return ReloadResult{Unchanged: true}, nil
	}

	crs.logger.Info("Configuration changed, reloading")
	return crs.Apply(ctx, state)
}

func fingerprint(state DesiredState) (string, error) {
	groups := append([]domain.BackendGroupConfig(nil), state.Groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	data, err := json.Marshal(DesiredState{Strategy: state.Strategy, Groups: groups})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint configuration: %w", err)
	}
	return string(data), nil
}

// Apply moves the running groups towards state. New groups are deployed,
// changed groups are rolled out when their instances must be replaced and
// updated in place otherwise, and managed groups missing from state are
// deleted. Every group is attempted; the errors are joined.
func (crs *ConfigReloadService) Apply(ctx context.Context, state DesiredState) (ReloadResult, error) {
	var result ReloadResult
	var errs []error
	registry := crs.orchestrator.registry

	lb := registry.LoadBalancer()
	if state.Strategy != "" && state.Strategy != lb.DefaultStrategy() {
		if err := lb.SetDefaultStrategy(state.Strategy); err != nil {
			errs = append(errs, err)
		} else {
			result.StrategyChanged = true
		}
	}

	desired := make(map[string]struct{}, len(state.Groups))
	for _, cfg := range state.Groups {
		desired[cfg.Name] = struct{}{}
		log := crs.logger.WithField("group", cfg.Name)

		current, known := registry.Group(cfg.Name)
		switch {
		case !known:
			if _, err := crs.orchestrator.DeployGroup(ctx, cfg); err != nil {
				errs = append(errs, fmt.Errorf("deploy group %s: %w", cfg.Name, err))
				continue
			}
			result.Deployed = append(result.Deployed, cfg.Name)
			log.Info("Deployed group from configuration")
		case reflect.DeepEqual(current, cfg.Clone()):
		case needsRollout(current, cfg):
			if _, err := crs.orchestrator.RollingUpdate(ctx, cfg.Name, cfg, "config reload"); err != nil {
				errs = append(errs, fmt.Errorf("roll out group %s: %w", cfg.Name, err))
				continue
			}
			result.RolledOut = append(result.RolledOut, cfg.Name)
		default:
			if err := crs.updateInPlace(ctx, cfg); err != nil {
				errs = append(errs, fmt.Errorf("update group %s: %w", cfg.Name, err))
				continue
			}
			result.Updated = append(result.Updated, cfg.Name)
			log.Info("Updated group from configuration")
		}

		crs.mu.Lock()
		crs.managed[cfg.Name] = struct{}{}
		crs.mu.Unlock()
	}

	crs.mu.Lock()
	var stale []string
	for name := range crs.managed {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	crs.mu.Unlock()
	sort.Strings(stale)

	for _, name := range stale {
		if err := crs.orchestrator.DeleteGroup(ctx, name); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete group %s: %w", name, err))
			continue
		}
		crs.mu.Lock()
		delete(crs.managed, name)
		crs.mu.Unlock()
		result.Removed = append(result.Removed, name)
		crs.logger.WithField("group", name).Info("Removed group no longer in configuration")
	}

	crs.mu.Lock()
	crs.lastReload = time.Now()
	if len(errs) == 0 {
		crs.reloads++
		if fp, err := fingerprint(state); err == nil {
			crs.fingerprint = fp
		}
	} else {
		crs.failures++
	}
	crs.mu.Unlock()

	return result, errors.Join(errs...)
}

// needsRollout reports whether a change affects what the instances run
func needsRollout(current, next domain.BackendGroupConfig) bool {
	return current.Version != next.Version ||
		current.Protocol != next.Protocol ||
		current.Path != next.Path ||
		current.Resources != next.Resources ||
		!reflect.DeepEqual(current.Command, next.Command) ||
		!reflect.DeepEqual(emptyToNil(current.Env), emptyToNil(next.Env))
}

func emptyToNil(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

// updateInPlace applies a routing-only change and re-checks scaling bounds
func (crs *ConfigReloadService) updateInPlace(ctx context.Context, cfg domain.BackendGroupConfig) error {
	registry := crs.orchestrator.registry
	if err := registry.UpdateGroup(ctx, cfg); err != nil {
		return err
	}
	count := len(registry.Instances(cfg.Name))
	target := count
	if count < cfg.MinInstances {
		target = cfg.MinInstances
	}
	if cfg.MaxInstances > 0 && count > cfg.MaxInstances {
		target = cfg.MaxInstances
	}
	if target == count || crs.orchestrator.provider == nil {
		return nil
	}
	_, err := crs.orchestrator.Scale(ctx, cfg.Name, target)
	return err
}

func (crs *ConfigReloadService) countFailure() {
	crs.mu.Lock()
	defer crs.mu.Unlock()
	crs.failures++
}

// Managed returns the names of the groups owned by the configuration, sorted
func (crs *ConfigReloadService) Managed() []string {
	crs.mu.Lock()
	defer crs.mu.Unlock()

	out := make([]string, 0, len(crs.managed))
	for name := range crs.managed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetReloadStats returns reload statistics
func (crs *ConfigReloadService) GetReloadStats() map[string]interface{} {
	crs.runMu.Lock()
	running := crs.isRunning
	crs.runMu.Unlock()

	crs.mu.Lock()
	defer crs.mu.Unlock()
	return map[string]interface{}{
		"watcher_active": running,
		"interval":       crs.interval.String(),
		"managed_groups": len(crs.managed),
		"reloads":        crs.reloads,
		"failures":       crs.failures,
		"last_reload":    crs.lastReload,
	}
}
