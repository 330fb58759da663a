package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/capability-router/internal/deploy"
	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/repository"
	"github.com/mir00r/capability-router/internal/server"
	"github.com/mir00r/capability-router/internal/service"
	"github.com/mir00r/capability-router/internal/transport"
	"github.com/mir00r/capability-router/pkg/logger"
)

// Deployment providers
const (
	ProviderNone    = "none"
	ProviderStatic  = "static"
	ProviderProcess = "process"
)

// Config represents the main configuration structure
type Config struct {
	Server         ServerConfig                `yaml:"server"`
	Admin          AdminConfig                 `yaml:"admin"`
	Logging        LoggingConfig               `yaml:"logging"`
	HealthCheck    domain.HealthCheckConfig    `yaml:"health_check"`
	CircuitBreaker domain.CircuitBreakerConfig `yaml:"circuit_breaker"`
	LoadBalancer   LoadBalancerConfig          `yaml:"load_balancer"`
	Orchestrator   OrchestratorConfig          `yaml:"orchestrator"`
	Transport      transport.Config            `yaml:"transport"`
	Persistence    repository.Config           `yaml:"persistence"`
	Deployment     DeploymentConfig            `yaml:"deployment"`
	Reload         ReloadConfig                `yaml:"reload"`
	Groups         []domain.BackendGroupConfig `yaml:"groups"`
}

// ServerConfig contains admin HTTP server configuration
type ServerConfig struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	ReadTimeout     time.Duration    `yaml:"read_timeout"`
	WriteTimeout    time.Duration    `yaml:"write_timeout"`
	IdleTimeout     time.Duration    `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	HTTP2           bool             `yaml:"http2"`
	TLS             server.TLSConfig `yaml:"tls"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Listener converts to the admin listener configuration
func (s ServerConfig) Listener() server.Config {
	return server.Config{
		Addr:         s.Addr(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
		HTTP2:        s.HTTP2,
		TLS:          s.TLS,
	}
}

// AdminConfig contains admin API protection settings
type AdminConfig struct {
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig configures HMAC-signed bearer tokens
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
	// AdminRole is the role required for mutating requests
	AdminRole string `yaml:"admin_role"`
}

// RateLimitConfig configures the per-client token bucket
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// LoadBalancerConfig contains cluster-wide selection settings
type LoadBalancerConfig struct {
	Strategy     domain.StrategyType `yaml:"strategy"`
	HashReplicas int                 `yaml:"hash_replicas"`
}

// OrchestratorConfig contains execution and rollout settings
type OrchestratorConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	HealthyTimeout    time.Duration `yaml:"healthy_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HistoryLimit      int           `yaml:"history_limit"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
}

// DeploymentConfig selects the deployment provider
type DeploymentConfig struct {
	Provider string               `yaml:"provider"`
	Static   deploy.StaticConfig  `yaml:"static"`
	Process  deploy.ProcessConfig `yaml:"process"`
}

// ReloadConfig configures the configuration file watcher
type ReloadConfig struct {
	// Interval between file checks; zero disables the watcher
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Auth: AuthConfig{
				Issuer:    "capability-router",
				AdminRole: "admin",
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		HealthCheck: domain.HealthCheckConfig{
			Interval:           10 * time.Second,
			Timeout:            3 * time.Second,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			Path:               "/health",
			MaxConcurrent:      16,
		},
		CircuitBreaker: domain.CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:     domain.RoundRobinStrategy,
			HashReplicas: 100,
		},
		Orchestrator: OrchestratorConfig{
			RequestTimeout:    30 * time.Second,
			MaxRetries:        2,
			RetryBackoff:      100 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			HealthyTimeout:    60 * time.Second,
			DrainTimeout:      30 * time.Second,
			PollInterval:      250 * time.Millisecond,
			HistoryLimit:      20,
			ReconcileInterval: 15 * time.Second,
			MetricsInterval:   15 * time.Second,
		},
		Transport: transport.DefaultConfig(),
		Persistence: repository.Config{
			Driver:  repository.DriverNone,
			Timeout: 5 * time.Second,
			Redis:   repository.RedisConfig{Addr: "localhost:6379", Prefix: "capability-router"},
		},
		Deployment: DeploymentConfig{
			Provider: ProviderNone,
			Process:  deploy.DefaultProcessConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file merged over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if err := c.Server.Listener().Validate(); err != nil {
		return fmt.Errorf("invalid server tls: %w", err)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("logging.file is required when output is file")
		}
	default:
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	if c.Admin.Auth.Enabled && c.Admin.Auth.Secret == "" {
		return fmt.Errorf("admin.auth.secret is required when auth is enabled")
	}
	if c.Admin.RateLimit.Enabled {
		if c.Admin.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("admin.rate_limit.requests_per_second must be positive")
		}
		if c.Admin.RateLimit.Burst <= 0 {
			return fmt.Errorf("admin.rate_limit.burst must be positive")
		}
	}

	if err := c.HealthCheck.Validate(); err != nil {
		return fmt.Errorf("health_check: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return err
	}
	if err := c.LoadBalancer.Strategy.Validate(); err != nil {
		return fmt.Errorf("load_balancer: %w", err)
	}
	if c.LoadBalancer.HashReplicas <= 0 {
		return fmt.Errorf("load_balancer.hash_replicas must be positive")
	}

	o := c.Orchestrator
	if o.RequestTimeout <= 0 || o.HealthyTimeout <= 0 || o.PollInterval <= 0 {
		return fmt.Errorf("orchestrator timeouts and poll_interval must be positive")
	}
	if o.DrainTimeout < 0 || o.ReconcileInterval < 0 || o.MetricsInterval < 0 {
		return fmt.Errorf("orchestrator intervals cannot be negative")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries cannot be negative: %d", o.MaxRetries)
	}
	if o.HistoryLimit <= 0 {
		return fmt.Errorf("orchestrator.history_limit must be positive")
	}

	if !repository.ValidDriver(c.Persistence.Driver) {
		return fmt.Errorf("unsupported persistence driver: %s", c.Persistence.Driver)
	}
	switch c.Deployment.Provider {
	case "", ProviderNone, ProviderStatic, ProviderProcess:
	default:
		return fmt.Errorf("unsupported deployment provider: %s", c.Deployment.Provider)
	}
	if c.Reload.Interval < 0 {
		return fmt.Errorf("reload.interval cannot be negative")
	}

	names := make(map[string]bool, len(c.Groups))
	var errs []error
	for i, group := range c.Groups {
		if err := group.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("groups[%d]: %w", i, err))
			continue
		}
		if names[group.Name] {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate name '%s'", i, group.Name))
		}
		names[group.Name] = true
	}
	return errors.Join(errs...)
}

// LoggerConfig converts the logging section for pkg/logger
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}

// RegistryConfig converts to the registry configuration
func (c *Config) RegistryConfig() service.RegistryConfig {
	return service.RegistryConfig{
		HealthCheck:    c.HealthCheck,
		CircuitBreaker: c.CircuitBreaker,
		LoadBalancer: service.LoadBalancerConfig{
			Strategy:     c.LoadBalancer.Strategy,
			HashReplicas: c.LoadBalancer.HashReplicas,
		},
		StoreTimeout: c.Persistence.Timeout,
	}
}

// OrchestratorConfig converts to the orchestrator configuration
func (c *Config) OrchestratorConfig() service.OrchestratorConfig {
	o := c.Orchestrator
	return service.OrchestratorConfig{
		RequestTimeout: o.RequestTimeout,
		DefaultRetry: domain.RetryPolicy{
			MaxRetries: o.MaxRetries,
			Backoff:    o.RetryBackoff,
			MaxBackoff: o.MaxBackoff,
		},
		HealthyTimeout:    o.HealthyTimeout,
		DrainTimeout:      o.DrainTimeout,
		PollInterval:      o.PollInterval,
		HistoryLimit:      o.HistoryLimit,
		ReconcileInterval: o.ReconcileInterval,
		MetricsInterval:   o.MetricsInterval,
	}
}

// DesiredState returns the group layout declared by the configuration
func (c *Config) DesiredState() service.DesiredState {
	groups := make([]domain.BackendGroupConfig, len(c.Groups))
	for i, group := range c.Groups {
		groups[i] = group.Clone()
	}
	return service.DesiredState{Strategy: c.LoadBalancer.Strategy, Groups: groups}
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
