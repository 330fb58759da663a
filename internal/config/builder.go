package config

import (
	"fmt"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
)

// ConfigBuilder provides a fluent interface for building configurations
type ConfigBuilder struct {
	config *Config
	errors []error
}

// NewConfigBuilder creates a new configuration builder over DefaultConfig
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// WithServer configures the admin HTTP server settings
func (b *ConfigBuilder) WithServer(host string, port int) *ConfigBuilder {
	if port <= 0 || port > 65535 {
		b.errors = append(b.errors, fmt.Errorf("invalid port number: %d", port))
		return b
	}
	b.config.Server.Host = host
	b.config.Server.Port = port
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, format, output string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.Format = format
	b.config.Logging.Output = output
	return b
}

// WithStrategy sets the cluster default strategy
func (b *ConfigBuilder) WithStrategy(strategy domain.StrategyType) *ConfigBuilder {
	if err := strategy.Validate(); err != nil {
		b.errors = append(b.errors, err)
		return b
	}
	b.config.LoadBalancer.Strategy = strategy
	return b
}

// WithHealthCheck configures health probing
func (b *ConfigBuilder) WithHealthCheck(interval, timeout time.Duration, path string, thresholdHealthy, thresholdUnhealthy int) *ConfigBuilder {
	if interval <= 0 {
		b.errors = append(b.errors, fmt.Errorf("health check interval must be positive: %v", interval))
		return b
	}
	if timeout <= 0 || timeout >= interval {
		b.errors = append(b.errors, fmt.Errorf("health check timeout must be positive and less than interval"))
		return b
	}
	b.config.HealthCheck.Interval = interval
	b.config.HealthCheck.Timeout = timeout
	b.config.HealthCheck.Path = path
	b.config.HealthCheck.HealthyThreshold = thresholdHealthy
	b.config.HealthCheck.UnhealthyThreshold = thresholdUnhealthy
	return b
}

// WithCircuitBreaker configures the cluster default breaker
func (b *ConfigBuilder) WithCircuitBreaker(threshold int, recovery time.Duration) *ConfigBuilder {
	b.config.CircuitBreaker.FailureThreshold = threshold
	b.config.CircuitBreaker.RecoveryTimeout = recovery
	return b
}

// WithRetry configures the default retry policy
func (b *ConfigBuilder) WithRetry(maxRetries int, backoff time.Duration) *ConfigBuilder {
	if maxRetries < 0 {
		b.errors = append(b.errors, fmt.Errorf("maxRetries cannot be negative: %d", maxRetries))
		return b
	}
	b.config.Orchestrator.MaxRetries = maxRetries
	b.config.Orchestrator.RetryBackoff = backoff
	return b
}

// WithAuth enables bearer token authentication
func (b *ConfigBuilder) WithAuth(secret string) *ConfigBuilder {
	b.config.Admin.Auth.Enabled = true
	b.config.Admin.Auth.Secret = secret
	return b
}

// WithRateLimit configures the admin rate limiter
func (b *ConfigBuilder) WithRateLimit(enabled bool, requestsPerSecond float64, burst int) *ConfigBuilder {
	b.config.Admin.RateLimit = RateLimitConfig{Enabled: enabled, RequestsPerSecond: requestsPerSecond, Burst: burst}
	return b
}

// WithStore selects the persistence driver
func (b *ConfigBuilder) WithStore(driver, dsn string) *ConfigBuilder {
	b.config.Persistence.Driver = driver
	b.config.Persistence.DSN = dsn
	return b
}

// WithProvider selects the deployment provider
func (b *ConfigBuilder) WithProvider(provider string) *ConfigBuilder {
	b.config.Deployment.Provider = provider
	return b
}

// WithGroup adds a backend group deployed at startup
func (b *ConfigBuilder) WithGroup(group domain.BackendGroupConfig) *ConfigBuilder {
	b.config.Groups = append(b.config.Groups, group)
	return b
}

// Build validates and returns the final configuration
func (b *ConfigBuilder) Build() (*Config, error) {
	if len(b.errors) > 0 {
		return nil, apperrors.NewError(
			apperrors.ErrCodeInvalidConfig,
			"config_builder",
			fmt.Sprintf("Configuration validation failed with %d errors", len(b.errors)),
		).WithMetadata("errors", b.errors)
	}
	if err := b.config.Validate(); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidConfig, "config_builder", "Configuration is invalid")
	}
	return b.config, nil
}
