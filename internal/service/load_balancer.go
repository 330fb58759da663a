package service

import (
	"fmt"
	"sync"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

// LoadBalancerConfig configures strategy selection
type LoadBalancerConfig struct {
	// Strategy is the cluster default used when a group names none
	Strategy     domain.StrategyType
	HashReplicas int
}

// LoadBalancer picks one instance from a healthy candidate set. Strategies
// are created on first use and shared by every group that names them; their
// per-composition state keeps groups apart.
type LoadBalancer struct {
	logger *logger.Logger
	opts   StrategyOptions

	mu         sync.RWMutex
	defaultTyp domain.StrategyType
	strategies map[domain.StrategyType]Strategy
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(config LoadBalancerConfig, log *logger.Logger) (*LoadBalancer, error) {
	if config.Strategy == "" {
		config.Strategy = domain.RoundRobinStrategy
	}
	if err := config.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("failed to set load balancing strategy: %w", err)
	}

	lb := &LoadBalancer{
		logger:     log.LoadBalancerLogger(),
		opts:       StrategyOptions{HashReplicas: config.HashReplicas},
		defaultTyp: config.Strategy,
		strategies: make(map[domain.StrategyType]Strategy),
	}
	lb.logger.Infof("Load balancing default strategy set to: %s", config.Strategy)
	return lb, nil
}

func (lb *LoadBalancer) strategy(t domain.StrategyType) Strategy {
	lb.mu.RLock()
	s, ok := lb.strategies[t]
	lb.mu.RUnlock()
	if ok {
		return s
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if s, ok = lb.strategies[t]; ok {
		return s
	}
	s, err := NewStrategy(t, lb.opts)
	if err != nil {
		lb.logger.WithError(err).Warnf("Unknown strategy %q, using round robin", t)
		s = NewRoundRobinStrategy()
	}
	lb.strategies[t] = s
	return s
}

// Select runs the named strategy, or the cluster default when t is empty,
// over candidates. It returns nil only for an empty candidate set.
func (lb *LoadBalancer) Select(candidates []*domain.BackendInstance, hints domain.SelectionHints, t domain.StrategyType) *domain.BackendInstance {
	if len(candidates) == 0 {
		return nil
	}
	if t == "" {
		t = lb.DefaultStrategy()
	}

	selected := lb.strategy(t).Select(candidates, hints)
	if selected != nil {
		lb.logger.WithField("instance_id", selected.ID).
			WithField("strategy", string(t)).
			Debug("Selected instance for request")
	}
	return selected
}

// DefaultStrategy returns the cluster default strategy
func (lb *LoadBalancer) DefaultStrategy() domain.StrategyType {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.defaultTyp
}

// SetDefaultStrategy changes the cluster default strategy
func (lb *LoadBalancer) SetDefaultStrategy(t domain.StrategyType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	lb.mu.Lock()
	lb.defaultTyp = t
	lb.mu.Unlock()

	lb.logger.Infof("Load balancing default strategy set to: %s", t)
	return nil
}

// GetStats returns load balancer statistics
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	perStrategy := make(map[string]interface{}, len(lb.strategies))
	for t, s := range lb.strategies {
		perStrategy[string(t)] = s.GetStats()
	}
	return map[string]interface{}{
		"default_strategy": string(lb.defaultTyp),
		"hash_replicas":    lb.opts.HashReplicas,
		"strategies":       perStrategy,
	}
}
