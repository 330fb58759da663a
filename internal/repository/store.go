// Package repository persists registry state: group configurations and
// instance metadata. Drivers are none, memory, sqlite and redis.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// Supported drivers
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a store driver
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	// Timeout bounds each store call made by the registry
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
}

// RedisConfig configures the redis driver
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// ValidDriver reports whether name is a known driver
func ValidDriver(name string) bool {
	switch name {
	case "", DriverNone, DriverMemory, DriverSQLite, DriverRedis:
		return true
	}
	return false
}

// New opens the store selected by config
func New(ctx context.Context, config Config, log *logger.Logger) (domain.Store, error) {
	switch config.Driver {
	case "", DriverNone:
		return NoopStore{}, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, config.DSN, log)
	case DriverRedis:
		return NewRedisStore(ctx, config.Redis, log)
	default:
		return nil, apperrors.NewInvalidConfigError("store", "unknown store driver %q", config.Driver)
	}
}

// NoopStore keeps nothing; the registry starts empty on every restart
type NoopStore struct{}

var _ domain.Store = NoopStore{}

func (NoopStore) Save(context.Context, domain.InstanceMetadata) error { return nil }
func (NoopStore) Remove(context.Context, string) error                { return nil }
func (NoopStore) LoadAll(context.Context) ([]domain.InstanceMetadata, error) {
	return nil, nil
}
func (NoopStore) SaveGroup(context.Context, domain.BackendGroupConfig) error { return nil }
func (NoopStore) RemoveGroup(context.Context, string) error                  { return nil }
func (NoopStore) LoadGroups(context.Context) ([]domain.BackendGroupConfig, error) {
	return nil, nil
}
func (NoopStore) Close() error { return nil }

func encode(component string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternalError, component, "failed to encode record")
	}
	return data, nil
}

func decodeInstance(component string, data []byte) (domain.InstanceMetadata, error) {
	var meta domain.InstanceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, apperrors.WrapError(err, apperrors.ErrCodeInternalError, component, "failed to decode instance record")
	}
	return meta, nil
}

func decodeGroup(component string, data []byte) (domain.BackendGroupConfig, error) {
	var cfg domain.BackendGroupConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, apperrors.WrapError(err, apperrors.ErrCodeInternalError, component, "failed to decode group record")
	}
	return cfg, nil
}

func sortInstances(metas []domain.InstanceMetadata) {
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.Before(metas[j].CreatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
}

func sortGroups(cfgs []domain.BackendGroupConfig) {
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
}

func requireID(component, kind, id string) error {
	if id == "" {
		return apperrors.NewInvalidConfigError(component, "%s cannot be empty", kind)
	}
	return nil
}

func storeError(err error, component, op string) error {
	return apperrors.WrapError(err, apperrors.ErrCodeInternalError, component, fmt.Sprintf("failed to %s", op))
}
