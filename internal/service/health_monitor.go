package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

// ProbeSource supplies the instances to probe and their per-group settings
type ProbeSource interface {
	ProbeTargets() []*domain.BackendInstance
	HealthCheckFor(group string) domain.HealthCheckConfig
}

// errProbeTimeout marks a probe that returned after its deadline
var errProbeTimeout = errors.New("health probe exceeded timeout")

// HealthMonitor probes every registered instance on a fixed tick and drives
// the consecutive-threshold health state machine. Probes run in parallel;
// a slow instance never delays probing of another.
type HealthMonitor struct {
	config domain.HealthCheckConfig
	prober domain.Prober
	source ProbeSource
	bus    *EventBus
	logger *logger.Logger

	mu        sync.RWMutex
	isRunning bool
	stopping  bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	scheduled sync.WaitGroup

	probes      int64
	failures    int64
	transitions int64
	lastSweep   atomic.Value // time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(config domain.HealthCheckConfig, prober domain.Prober, source ProbeSource, bus *EventBus, log *logger.Logger) *HealthMonitor {
	return &HealthMonitor{
		config:  config,
		prober:  prober,
		source:  source,
		bus:     bus,
		logger:  log.HealthMonitorLogger(),
		baseCtx: context.Background(),
	}
}

// Start begins periodic probing until Stop or ctx cancellation
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.isRunning {
		return fmt.Errorf("health monitor is already running")
	}
	if hm.config.Interval <= 0 {
		return fmt.Errorf("health monitor interval must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	hm.baseCtx = runCtx
	hm.cancel = cancel
	hm.isRunning = true
	hm.logger.Infof("Starting health monitor with interval %v", hm.config.Interval)

	hm.wg.Add(1)
	go hm.loop(runCtx)
	return nil
}

// Stop halts probing and waits for in-flight probes
func (hm *HealthMonitor) Stop() error {
	hm.mu.Lock()
	if !hm.isRunning {
		hm.mu.Unlock()
		return nil
	}
	hm.logger.Info("Stopping health monitor")
	hm.cancel()
	hm.isRunning = false
	hm.stopping = true
	hm.mu.Unlock()

	hm.wg.Wait()
	hm.scheduled.Wait()

	hm.mu.Lock()
	hm.baseCtx = context.Background()
	hm.stopping = false
	hm.mu.Unlock()

	hm.logger.Info("Health monitor stopped")
	return nil
}

// IsRunning returns true if periodic probing is active
func (hm *HealthMonitor) IsRunning() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.isRunning
}

func (hm *HealthMonitor) loop(ctx context.Context) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.config.Interval)
	defer ticker.Stop()

	hm.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			hm.logger.Debug("Health monitor loop stopped")
			return
		case <-ticker.C:
			hm.Sweep(ctx)
		}
	}
}

// Sweep probes every instance once, in parallel, and waits for all of them
func (hm *HealthMonitor) Sweep(ctx context.Context) {
	targets := hm.source.ProbeTargets()
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if hm.config.MaxConcurrent > 0 {
		g.SetLimit(hm.config.MaxConcurrent)
	}
	for _, inst := range targets {
		inst := inst
		g.Go(func() error {
			_, _, _ = hm.CheckNow(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()
	hm.lastSweep.Store(time.Now())
}

// Schedule probes an instance in the background as soon as possible. It is
// a no-op while Stop is draining; the next sweep picks the instance up.
func (hm *HealthMonitor) Schedule(inst *domain.BackendInstance) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if hm.stopping {
		return
	}
	ctx := hm.baseCtx

	hm.scheduled.Add(1)
	go func() {
		defer hm.scheduled.Done()
		_, _, _ = hm.CheckNow(ctx, inst)
	}()
}

// CheckNow performs one probe and records its outcome. It reports the health
// transition, whether it changed status, and the probe error if any.
func (hm *HealthMonitor) CheckNow(ctx context.Context, inst *domain.BackendInstance) (domain.HealthTransition, bool, error) {
	settings := hm.source.HealthCheckFor(inst.Group)
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = hm.config.Timeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := hm.prober.Probe(probeCtx, inst.Address, settings.Path)
	latency := time.Since(start)
	cancel()

	if err == nil && latency > timeout {
		err = errProbeTimeout
	}

	atomic.AddInt64(&hm.probes, 1)
	if err != nil {
		atomic.AddInt64(&hm.failures, 1)
	}

	transition, changed := inst.RecordProbe(err, latency, settings.Thresholds())
	log := hm.logger.InstanceLogger(inst.ID, inst.Group)

	if !changed {
		if err != nil {
			log.WithError(err).
				WithField("consecutive_failures", inst.HealthCheck().ConsecutiveFailures).
				Debug("Health probe failed but threshold not reached")
		}
		return transition, false, err
	}

	atomic.AddInt64(&hm.transitions, 1)
	log = log.WithField("from", string(transition.From)).WithField("to", string(transition.To))
	if transition.To == domain.HealthUnhealthy {
		log.WithError(err).Warn("Instance marked as unhealthy due to repeated failures")
	} else {
		log.Info("Instance health changed")
	}

	hm.bus.Publish(domain.Event{
		Type:       domain.EventHealthChanged,
		InstanceID: inst.ID,
		Group:      inst.Group,
		From:       string(transition.From),
		To:         string(transition.To),
	})
	return transition, true, err
}

// GetStats returns health monitor statistics
func (hm *HealthMonitor) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":             hm.IsRunning(),
		"interval":            hm.config.Interval.String(),
		"timeout":             hm.config.Timeout.String(),
		"healthy_threshold":   hm.config.HealthyThreshold,
		"unhealthy_threshold": hm.config.UnhealthyThreshold,
		"max_concurrent":      hm.config.MaxConcurrent,
		"probes":              atomic.LoadInt64(&hm.probes),
		"probe_failures":      atomic.LoadInt64(&hm.failures),
		"transitions":         atomic.LoadInt64(&hm.transitions),
	}
	if last, ok := hm.lastSweep.Load().(time.Time); ok {
		stats["last_sweep"] = last
	}
	return stats
}
