package repository

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

const redisComponent = "redis_store"

// RedisStore keeps records in two hashes, <prefix>:instances and
// <prefix>:groups, keyed by instance id and group name
type RedisStore struct {
	client       *redis.Client
	instancesKey string
	groupsKey    string
	logger       *logger.Logger
}

var _ domain.Store = (*RedisStore)(nil)

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, config RedisConfig, log *logger.Logger) (*RedisStore, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.Prefix == "" {
		config.Prefix = "capability-router"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeError(err, redisComponent, "connect to redis")
	}

	store := &RedisStore{
		client:       client,
		instancesKey: config.Prefix + ":instances",
		groupsKey:    config.Prefix + ":groups",
		logger:       log.StoreLogger("redis"),
	}
	store.logger.WithField("addr", config.Addr).WithField("prefix", config.Prefix).Info("Connected to Redis store")
	return store, nil
}

// Save upserts an instance record
func (s *RedisStore) Save(ctx context.Context, meta domain.InstanceMetadata) error {
	if err := requireID(redisComponent, "instance id", meta.ID); err != nil {
		return err
	}
	payload, err := encode(redisComponent, meta)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.instancesKey, meta.ID, payload).Err(); err != nil {
		return storeError(err, redisComponent, "save instance")
	}
	return nil
}

// Remove deletes an instance record
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.instancesKey, id).Err(); err != nil {
		return storeError(err, redisComponent, "remove instance")
	}
	return nil
}

// LoadAll returns every instance record, oldest first
func (s *RedisStore) LoadAll(ctx context.Context) ([]domain.InstanceMetadata, error) {
	records, err := s.client.HGetAll(ctx, s.instancesKey).Result()
	if err != nil {
		return nil, storeError(err, redisComponent, "load instances")
	}
	out := make([]domain.InstanceMetadata, 0, len(records))
	for _, payload := range records {
		meta, err := decodeInstance(redisComponent, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sortInstances(out)
	return out, nil
}

// SaveGroup upserts a group configuration
func (s *RedisStore) SaveGroup(ctx context.Context, cfg domain.BackendGroupConfig) error {
	if err := requireID(redisComponent, "group name", cfg.Name); err != nil {
		return err
	}
	payload, err := encode(redisComponent, cfg)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.groupsKey, cfg.Name, payload).Err(); err != nil {
		return storeError(err, redisComponent, "save group")
	}
	return nil
}

// RemoveGroup deletes a group configuration
func (s *RedisStore) RemoveGroup(ctx context.Context, name string) error {
	if err := s.client.HDel(ctx, s.groupsKey, name).Err(); err != nil {
		return storeError(err, redisComponent, "remove group")
	}
	return nil
}

// LoadGroups returns every group configuration sorted by name
func (s *RedisStore) LoadGroups(ctx context.Context) ([]domain.BackendGroupConfig, error) {
	records, err := s.client.HGetAll(ctx, s.groupsKey).Result()
	if err != nil {
		return nil, storeError(err, redisComponent, "load groups")
	}
	out := make([]domain.BackendGroupConfig, 0, len(records))
	for _, payload := range records {
		cfg, err := decodeGroup(redisComponent, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	sortGroups(out)
	return out, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
