package domain

import "fmt"

// StrategyType represents the type of load balancing strategy
type StrategyType string

const (
	RoundRobinStrategy       StrategyType = "round_robin"
	LeastConnectionsStrategy StrategyType = "least_connections"
	WeightedStrategy         StrategyType = "weighted"
	ResourceBasedStrategy    StrategyType = "resource_based"
	ConsistentHashStrategy   StrategyType = "consistent_hash"
)

// AvailableStrategies returns all supported strategy types
func AvailableStrategies() []StrategyType {
	return []StrategyType{
		RoundRobinStrategy,
		LeastConnectionsStrategy,
		WeightedStrategy,
		ResourceBasedStrategy,
		ConsistentHashStrategy,
	}
}

// Validate checks the strategy type is supported
func (s StrategyType) Validate() error {
	for _, known := range AvailableStrategies() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unsupported load balancing strategy: %s", s)
}

// SelectionHints steer a single selection
type SelectionHints struct {
	// AffinityKey routes related requests to the same instance under consistent hashing
	AffinityKey string
	// Group restricts selection to one backend group
	Group string
	// Exclude lists instance ids that must not be selected
	Exclude map[string]struct{}
	Filter  InstanceFilter
}

// Excludes reports whether the instance id is excluded
func (h SelectionHints) Excludes(id string) bool {
	_, ok := h.Exclude[id]
	return ok
}

// InstanceFilter narrows the healthy set
type InstanceFilter struct {
	Region       string
	Capabilities []string
	Tags         map[string]string
	// AffinityKey prefers instances that declare the key; ignored when none does
	AffinityKey string
}

// Matches reports whether the instance passes the region, capability and tag checks
func (f InstanceFilter) Matches(inst *BackendInstance) bool {
	if f.Region != "" && inst.Region != f.Region {
		return false
	}
	if !inst.HasCapabilities(f.Capabilities) {
		return false
	}
	for k, v := range f.Tags {
		if !inst.HasTag(k, v) {
			return false
		}
	}
	return true
}

// SearchCriteria is a predicate over the catalog; all set fields must match
type SearchCriteria struct {
	Type         *CapabilityType
	Group        string
	Region       string
	Tags         map[string]string
	Capabilities []string
	Lifecycle    LifecycleStatus
	Health       HealthStatus
}

// Matches reports whether the instance satisfies every set criterion
func (c SearchCriteria) Matches(inst *BackendInstance) bool {
	if c.Type != nil && inst.Type != *c.Type {
		return false
	}
	if c.Group != "" && inst.Group != c.Group {
		return false
	}
	if c.Region != "" && inst.Region != c.Region {
		return false
	}
	for k, v := range c.Tags {
		if !inst.HasTag(k, v) {
			return false
		}
	}
	if !inst.HasCapabilities(c.Capabilities) {
		return false
	}
	if c.Lifecycle != "" && inst.Lifecycle() != c.Lifecycle {
		return false
	}
	if c.Health != "" && inst.Health() != c.Health {
		return false
	}
	return true
}
