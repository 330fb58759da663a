package repository

import (
	"context"
	"sync"

	"github.com/mir00r/capability-router/internal/domain"
)

// MemoryStore keeps records in process memory. State survives a registry
// restart within the same process, not a process restart.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]domain.InstanceMetadata
	groups    map[string]domain.BackendGroupConfig
}

var _ domain.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]domain.InstanceMetadata),
		groups:    make(map[string]domain.BackendGroupConfig),
	}
}

func copyMetadata(meta domain.InstanceMetadata) domain.InstanceMetadata {
	if meta.Tags != nil {
		tags := make(map[string]string, len(meta.Tags))
		for k, v := range meta.Tags {
			tags[k] = v
		}
		meta.Tags = tags
	}
	meta.Capabilities = append([]string(nil), meta.Capabilities...)
	meta.AffinityKeys = append([]string(nil), meta.AffinityKeys...)
	return meta
}

// Save upserts an instance record
func (s *MemoryStore) Save(_ context.Context, meta domain.InstanceMetadata) error {
	if err := requireID("memory_store", "instance id", meta.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[meta.ID] = copyMetadata(meta)
	return nil
}

// Remove deletes an instance record; unknown ids are ignored
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

// LoadAll returns every instance record, oldest first
func (s *MemoryStore) LoadAll(context.Context) ([]domain.InstanceMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InstanceMetadata, 0, len(s.instances))
	for _, meta := range s.instances {
		out = append(out, copyMetadata(meta))
	}
	sortInstances(out)
	return out, nil
}

// SaveGroup upserts a group configuration
func (s *MemoryStore) SaveGroup(_ context.Context, cfg domain.BackendGroupConfig) error {
	if err := requireID("memory_store", "group name", cfg.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[cfg.Name] = cfg.Clone()
	return nil
}

// RemoveGroup deletes a group configuration
func (s *MemoryStore) RemoveGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, name)
	return nil
}

// LoadGroups returns every group configuration sorted by name
func (s *MemoryStore) LoadGroups(context.Context) ([]domain.BackendGroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BackendGroupConfig, 0, len(s.groups))
	for _, cfg := range s.groups {
		out = append(out, cfg.Clone())
	}
	sortGroups(out)
	return out, nil
}

// Count returns the number of stored instances and groups
func (s *MemoryStore) Count() (instances, groups int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances), len(s.groups)
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
