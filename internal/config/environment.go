package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/service"
)

// envPrefix is the prefix of every environment override
const envPrefix = "CR_"

// envReader collects parse failures so one bad variable reports clearly
type envReader struct {
	errs []error
}

func (r *envReader) str(key string, target *string) {
	if value := os.Getenv(envPrefix + key); value != "" {
		*target = value
	}
}

func (r *envReader) integer(key string, target *int) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*target = n
}

func (r *envReader) float(key string, target *float64) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*target = f
}

func (r *envReader) duration(key string, target *time.Duration) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*target = d
}

func (r *envReader) boolean(key string, target *bool) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*target = b
}

// ApplyEnvironment overrides config with CR_* environment variables.
// Every unparsable value is reported in the returned error.
func ApplyEnvironment(config *Config) error {
	r := &envReader{}

	r.str("ADMIN_HOST", &config.Server.Host)
	r.integer("ADMIN_PORT", &config.Server.Port)
	r.duration("SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	r.boolean("ADMIN_HTTP2", &config.Server.HTTP2)
	r.boolean("ADMIN_TLS_ENABLED", &config.Server.TLS.Enabled)
	r.str("ADMIN_TLS_CERT_FILE", &config.Server.TLS.CertFile)
	r.str("ADMIN_TLS_KEY_FILE", &config.Server.TLS.KeyFile)

	r.str("LOG_LEVEL", &config.Logging.Level)
	r.str("LOG_FORMAT", &config.Logging.Format)
	r.str("LOG_OUTPUT", &config.Logging.Output)
	r.str("LOG_FILE", &config.Logging.File)

	var strategy string
	r.str("STRATEGY", &strategy)
	if strategy != "" {
		config.LoadBalancer.Strategy = domain.StrategyType(strings.ToLower(strategy))
	}
	r.integer("HASH_REPLICAS", &config.LoadBalancer.HashReplicas)

	r.duration("HEALTH_INTERVAL", &config.HealthCheck.Interval)
	r.duration("HEALTH_TIMEOUT", &config.HealthCheck.Timeout)
	r.str("HEALTH_PATH", &config.HealthCheck.Path)
	r.integer("HEALTHY_THRESHOLD", &config.HealthCheck.HealthyThreshold)
	r.integer("UNHEALTHY_THRESHOLD", &config.HealthCheck.UnhealthyThreshold)

	r.integer("BREAKER_FAILURE_THRESHOLD", &config.CircuitBreaker.FailureThreshold)
	r.duration("BREAKER_RECOVERY_TIMEOUT", &config.CircuitBreaker.RecoveryTimeout)

	r.duration("REQUEST_TIMEOUT", &config.Orchestrator.RequestTimeout)
	r.integer("MAX_RETRIES", &config.Orchestrator.MaxRetries)
	r.duration("RECONCILE_INTERVAL", &config.Orchestrator.ReconcileInterval)

	r.str("STORE_DRIVER", &config.Persistence.Driver)
	r.str("STORE_DSN", &config.Persistence.DSN)
	r.str("REDIS_ADDR", &config.Persistence.Redis.Addr)
	r.str("REDIS_PASSWORD", &config.Persistence.Redis.Password)
	r.str("REDIS_PREFIX", &config.Persistence.Redis.Prefix)

	r.str("DEPLOY_PROVIDER", &config.Deployment.Provider)
	r.duration("RELOAD_INTERVAL", &config.Reload.Interval)

	// a secret alone turns authentication on
	if os.Getenv(envPrefix+"JWT_SECRET") != "" {
		config.Admin.Auth.Enabled = true
	}
	r.str("JWT_SECRET", &config.Admin.Auth.Secret)
	r.boolean("AUTH_ENABLED", &config.Admin.Auth.Enabled)
	r.boolean("RATE_LIMIT_ENABLED", &config.Admin.RateLimit.Enabled)
	r.float("RATE_LIMIT_RPS", &config.Admin.RateLimit.RequestsPerSecond)
	r.integer("RATE_LIMIT_BURST", &config.Admin.RateLimit.Burst)

	return errors.Join(r.errs...)
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ConfigFile returns the configuration file path from CONFIG_FILE
func ConfigFile() string {
	return getEnv("CONFIG_FILE", "config.yaml")
}

// Load reads filename when it exists, applies the environment and validates.
// Priority: env vars > config file > defaults.
func Load(filename string) (*Config, error) {
	config := DefaultConfig()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			config, err = LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", filename, err)
		}
	}

	if err := ApplyEnvironment(config); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// StateSource returns a reload source that re-reads filename on every call
func StateSource(filename string) service.StateSource {
	return func() (service.DesiredState, error) {
		config, err := Load(filename)
		if err != nil {
			return service.DesiredState{}, err
		}
		return config.DesiredState(), nil
	}
}
