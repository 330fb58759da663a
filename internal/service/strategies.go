package service

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
)

// maxCompositions bounds per-composition state kept by stateful strategies
const maxCompositions = 256

// Strategy selects one instance from a pre-filtered, non-empty candidate set
type Strategy interface {
	Select(candidates []*domain.BackendInstance, hints domain.SelectionHints) *domain.BackendInstance
	Type() domain.StrategyType
	GetStats() map[string]interface{}
}

// StrategyOptions tune strategy construction
type StrategyOptions struct {
	HashReplicas int
	// Random returns a value in [0,1); nil uses math/rand
	Random func() float64
}

// NewStrategy creates a strategy by type
func NewStrategy(t domain.StrategyType, opts StrategyOptions) (Strategy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch t {
	case domain.LeastConnectionsStrategy:
		return NewLeastConnectionsStrategy(), nil
	case domain.WeightedStrategy:
		return NewWeightedStrategy(opts.Random), nil
	case domain.ResourceBasedStrategy:
		return NewResourceBasedStrategy(), nil
	case domain.ConsistentHashStrategy:
		return NewConsistentHashStrategy(opts.HashReplicas), nil
	default:
		return NewRoundRobinStrategy(), nil
	}
}

// StrategyStats holds thread-safe selection counters
type StrategyStats struct {
	TotalSelections int64
	EmptySelections int64
	LastUsed        int64 // Unix timestamp
}

func (s *StrategyStats) record(selected bool) {
	atomic.AddInt64(&s.TotalSelections, 1)
	if !selected {
		atomic.AddInt64(&s.EmptySelections, 1)
	}
	atomic.StoreInt64(&s.LastUsed, time.Now().Unix())
}

// GetStats returns a snapshot of current statistics
func (s *StrategyStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_selections": atomic.LoadInt64(&s.TotalSelections),
		"empty_selections": atomic.LoadInt64(&s.EmptySelections),
		"last_used":        atomic.LoadInt64(&s.LastUsed),
	}
}

// compositionKey identifies a candidate set independent of its order
func compositionKey(candidates []*domain.BackendInstance) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func sortedByID(candidates []*domain.BackendInstance) []*domain.BackendInstance {
	out := append([]*domain.BackendInstance(nil), candidates...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoundRobinStrategy cycles through candidates with one counter per candidate
// set composition, so the order callers pass candidates in does not matter.
type RoundRobinStrategy struct {
	stats StrategyStats

	mu       sync.Mutex
	counters map[string]*uint64
}

// NewRoundRobinStrategy creates a round-robin strategy
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{counters: make(map[string]*uint64)}
}

func (s *RoundRobinStrategy) counter(key string) *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		if len(s.counters) >= maxCompositions {
			s.counters = make(map[string]*uint64)
		}
		c = new(uint64)
		s.counters[key] = c
	}
	return c
}

// Select returns the next candidate in id order
func (s *RoundRobinStrategy) Select(candidates []*domain.BackendInstance, _ domain.SelectionHints) *domain.BackendInstance {
	if len(candidates) == 0 {
		s.stats.record(false)
		return nil
	}
	ordered := sortedByID(candidates)
	next := atomic.AddUint64(s.counter(compositionKey(ordered)), 1)
	s.stats.record(true)
	return ordered[(next-1)%uint64(len(ordered))]
}

func (s *RoundRobinStrategy) Type() domain.StrategyType {
	return domain.RoundRobinStrategy
}

func (s *RoundRobinStrategy) GetStats() map[string]interface{} {
	stats := s.stats.GetStats()
	s.mu.Lock()
	stats["compositions"] = len(s.counters)
	s.mu.Unlock()
	return stats
}

// LeastConnectionsStrategy picks the candidate with the fewest active
// connections; ties go to the first one seen
type LeastConnectionsStrategy struct {
	stats StrategyStats
}

// NewLeastConnectionsStrategy creates a least-connections strategy
func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{}
}

func (s *LeastConnectionsStrategy) Select(candidates []*domain.BackendInstance, _ domain.SelectionHints) *domain.BackendInstance {
	var selected *domain.BackendInstance
	var best int64
	for _, c := range candidates {
		conns := c.Connections()
		if selected == nil || conns < best {
			selected, best = c, conns
		}
	}
	s.stats.record(selected != nil)
	return selected
}

func (s *LeastConnectionsStrategy) Type() domain.StrategyType {
	return domain.LeastConnectionsStrategy
}

func (s *LeastConnectionsStrategy) GetStats() map[string]interface{} {
	return s.stats.GetStats()
}

// WeightedStrategy samples candidates proportionally to weight. Zero-weight
// candidates are never chosen; if every weight is zero it falls back to
// round-robin.
type WeightedStrategy struct {
	stats    StrategyStats
	random   func() float64
	fallback *RoundRobinStrategy
}

// NewWeightedStrategy creates a weighted strategy; random may be nil
func NewWeightedStrategy(random func() float64) *WeightedStrategy {
	if random == nil {
		random = rand.Float64
	}
	return &WeightedStrategy{random: random, fallback: NewRoundRobinStrategy()}
}

func (s *WeightedStrategy) Select(candidates []*domain.BackendInstance, hints domain.SelectionHints) *domain.BackendInstance {
	if len(candidates) == 0 {
		s.stats.record(false)
		return nil
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		if w := c.Weight(); w > 0 {
			weights[i] = w
			total += w
		}
	}
	if total == 0 {
		s.stats.record(true)
		return s.fallback.Select(candidates, hints)
	}

	target := s.random() * total
	cumulative := 0.0
	var last *domain.BackendInstance
	for i, c := range candidates {
		if weights[i] == 0 {
			continue
		}
		cumulative += weights[i]
		last = c
		if target < cumulative {
			s.stats.record(true)
			return c
		}
	}
	// float rounding can leave target at total
	s.stats.record(true)
	return last
}

func (s *WeightedStrategy) Type() domain.StrategyType {
	return domain.WeightedStrategy
}

func (s *WeightedStrategy) GetStats() map[string]interface{} {
	return s.stats.GetStats()
}

// ResourceScore is the resource-based ranking of an instance; lower is better
func ResourceScore(m domain.InstanceMetrics) float64 {
	return float64(m.ErrorCount)*10 + m.CPUPercent + m.MemoryPercent
}

// ResourceBasedStrategy picks the candidate with the lowest ResourceScore
type ResourceBasedStrategy struct {
	stats StrategyStats
}

// NewResourceBasedStrategy creates a resource-based strategy
func NewResourceBasedStrategy() *ResourceBasedStrategy {
	return &ResourceBasedStrategy{}
}

func (s *ResourceBasedStrategy) Select(candidates []*domain.BackendInstance, _ domain.SelectionHints) *domain.BackendInstance {
	var selected *domain.BackendInstance
	var best float64
	for _, c := range candidates {
		score := ResourceScore(c.Metrics())
		if selected == nil || score < best {
			selected, best = c, score
		}
	}
	s.stats.record(selected != nil)
	return selected
}

func (s *ResourceBasedStrategy) Type() domain.StrategyType {
	return domain.ResourceBasedStrategy
}

func (s *ResourceBasedStrategy) GetStats() map[string]interface{} {
	return s.stats.GetStats()
}

// ConsistentHashStrategy routes an affinity key to the same candidate for as
// long as the candidate set is unchanged. One ring is built per composition.
// Without an affinity key it falls back to round-robin.
type ConsistentHashStrategy struct {
	stats     StrategyStats
	replicas  int
	fallback  *RoundRobinStrategy
	fallbacks int64

	mu    sync.Mutex
	rings map[string]*HashRing
}

// NewConsistentHashStrategy creates a consistent-hash strategy
func NewConsistentHashStrategy(replicas int) *ConsistentHashStrategy {
	if replicas <= 0 {
		replicas = DefaultHashReplicas
	}
	return &ConsistentHashStrategy{
		replicas: replicas,
		fallback: NewRoundRobinStrategy(),
		rings:    make(map[string]*HashRing),
	}
}

func (s *ConsistentHashStrategy) ring(key string, candidates []*domain.BackendInstance) *HashRing {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[key]
	if !ok {
		if len(s.rings) >= maxCompositions {
			s.rings = make(map[string]*HashRing)
		}
		r = NewHashRing(s.replicas)
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		r.Add(ids...)
		s.rings[key] = r
	}
	return r
}

func (s *ConsistentHashStrategy) Select(candidates []*domain.BackendInstance, hints domain.SelectionHints) *domain.BackendInstance {
	if len(candidates) == 0 {
		s.stats.record(false)
		return nil
	}
	if hints.AffinityKey == "" {
		atomic.AddInt64(&s.fallbacks, 1)
		s.stats.record(true)
		return s.fallback.Select(candidates, hints)
	}

	owner, ok := s.ring(compositionKey(candidates), candidates).Get(hints.AffinityKey)
	if ok {
		for _, c := range candidates {
			if c.ID == owner {
				s.stats.record(true)
				return c
			}
		}
	}
	atomic.AddInt64(&s.fallbacks, 1)
	s.stats.record(true)
	return s.fallback.Select(candidates, hints)
}

func (s *ConsistentHashStrategy) Type() domain.StrategyType {
	return domain.ConsistentHashStrategy
}

func (s *ConsistentHashStrategy) GetStats() map[string]interface{} {
	stats := s.stats.GetStats()
	stats["replicas"] = s.replicas
	stats["fallbacks"] = atomic.LoadInt64(&s.fallbacks)
	s.mu.Lock()
	stats["rings"] = len(s.rings)
	s.mu.Unlock()
	return stats
}
