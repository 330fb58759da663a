package domain

import (
	"fmt"
	"time"
)

// HealthCheckConfig defines configuration for health probing
type HealthCheckConfig struct {
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	Path               string        `json:"path" yaml:"path"`
	MaxConcurrent      int           `json:"max_concurrent" yaml:"max_concurrent"`
}

// Thresholds returns the consecutive-outcome thresholds
func (c HealthCheckConfig) Thresholds() Thresholds {
	return Thresholds{Healthy: c.HealthyThreshold, Unhealthy: c.UnhealthyThreshold}
}

// Validate validates the health check configuration
func (c HealthCheckConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}
	if c.HealthyThreshold <= 0 {
		return fmt.Errorf("health_check.healthy_threshold must be positive")
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("health_check.unhealthy_threshold must be positive")
	}
	return nil
}

// CircuitBreakerConfig defines configuration for a per-instance circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// MonitoringWindow clears the closed-state failure count periodically; zero keeps it until a success
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window"`
}

// Validate validates the circuit breaker configuration
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be positive")
	}
	if c.MonitoringWindow < 0 {
		return fmt.Errorf("circuit_breaker.monitoring_window cannot be negative")
	}
	return nil
}

// RetryPolicy bounds the attempts made for one request
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed after the first one
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Backoff    time.Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// ResourceRequests are the resources requested for each instance of a group
type ResourceRequests struct {
	CPU      float64 `json:"cpu" yaml:"cpu"`
	MemoryMB int     `json:"memory_mb" yaml:"memory_mb"`
}

// BackendGroupConfig is the configuration shared by all instances of one
// logical backend
type BackendGroupConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Type         CapabilityType    `json:"type" yaml:"type"`
	Version      string            `json:"version" yaml:"version"`
	Protocol     Protocol          `json:"protocol" yaml:"protocol"`
	Path         string            `json:"path,omitempty" yaml:"path,omitempty"`
	MinInstances int               `json:"min_instances" yaml:"min_instances"`
	MaxInstances int               `json:"max_instances" yaml:"max_instances"`
	Strategy     StrategyType      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Weight       float64           `json:"weight,omitempty" yaml:"weight,omitempty"`
	Region       string            `json:"region,omitempty" yaml:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	Retry          RetryPolicy           `json:"retry" yaml:"retry"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	HealthCheck    *HealthCheckConfig    `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Resources      ResourceRequests      `json:"resources" yaml:"resources"`

	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	AutoRestart bool `json:"auto_restart" yaml:"auto_restart"`
	MaxRestarts int  `json:"max_restarts" yaml:"max_restarts"`
}

// Validate validates the group configuration
func (c BackendGroupConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if err := c.Type.Validate(); err != nil {
		return err
	}
	if c.Protocol != "" {
		if err := c.Protocol.Validate(); err != nil {
			return err
		}
	}
	if c.MinInstances < 0 {
		return fmt.Errorf("min_instances cannot be negative")
	}
	if c.MaxInstances > 0 && c.MaxInstances < c.MinInstances {
		return fmt.Errorf("max_instances (%d) is below min_instances (%d)", c.MaxInstances, c.MinInstances)
	}
	if c.Strategy != "" {
		if err := c.Strategy.Validate(); err != nil {
			return err
		}
	}
	if c.Weight < 0 {
		return fmt.Errorf("weight cannot be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.CircuitBreaker != nil {
		if err := c.CircuitBreaker.Validate(); err != nil {
			return err
		}
	}
	if c.HealthCheck != nil {
		if err := c.HealthCheck.Validate(); err != nil {
			return err
		}
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts cannot be negative")
	}
	return nil
}

// AllowsCount reports whether count instances fit the scaling bounds
func (c BackendGroupConfig) AllowsCount(count int) bool {
	if count < c.MinInstances {
		return false
	}
	return c.MaxInstances == 0 || count <= c.MaxInstances
}

// Clone returns a deep copy of the configuration
func (c BackendGroupConfig) Clone() BackendGroupConfig {
	out := c
	out.Tags = copyTags(c.Tags)
	out.Env = copyTags(c.Env)
	out.Capabilities = append([]string(nil), c.Capabilities...)
	out.Command = append([]string(nil), c.Command...)
	if c.CircuitBreaker != nil {
		cb := *c.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	if c.HealthCheck != nil {
		hc := *c.HealthCheck
		out.HealthCheck = &hc
	}
	return out
}

// RevisionStatus is the outcome of a rollout revision
type RevisionStatus string

const (
	RevisionInProgress RevisionStatus = "in_progress"
	RevisionComplete   RevisionStatus = "complete"
	RevisionFailed     RevisionStatus = "failed"
)

// Revision is one entry in a group's rollout history
type Revision struct {
	Number    int                `json:"number"`
	Timestamp time.Time          `json:"timestamp"`
	Reason    string             `json:"reason"`
	Status    RevisionStatus     `json:"status"`
	Config    BackendGroupConfig `json:"config"`
}
