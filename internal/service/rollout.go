package service

import (
	"sync"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
)

// DefaultHistoryLimit is the number of revisions kept per group
const DefaultHistoryLimit = 10

// RolloutHistory keeps a bounded, ordered revision list per group. When a
// group exceeds the limit its oldest revision is evicted first.
type RolloutHistory struct {
	limit int

	mu        sync.RWMutex
	revisions map[string][]domain.Revision
	next      map[string]int
}

// NewRolloutHistory creates an empty history
func NewRolloutHistory(limit int) *RolloutHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &RolloutHistory{
		limit:     limit,
		revisions: make(map[string][]domain.Revision),
		next:      make(map[string]int),
	}
}

// Append records a revision and returns it. Revision numbers increase
// monotonically per group and are never reused.
func (h *RolloutHistory) Append(group string, cfg domain.BackendGroupConfig, reason string, status domain.RevisionStatus) domain.Revision {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next[group]++
	rev := domain.Revision{
		Number:    h.next[group],
		Timestamp: time.Now(),
		Reason:    reason,
		Status:    status,
		Config:    cfg.Clone(),
	}
	list := append(h.revisions[group], rev)
	if len(list) > h.limit {
		list = append([]domain.Revision(nil), list[len(list)-h.limit:]...)
	}
	h.revisions[group] = list
	return rev
}

// SetStatus updates the status of a retained revision
func (h *RolloutHistory) SetStatus(group string, number int, status domain.RevisionStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.revisions[group]
	for i := range list {
		if list[i].Number == number {
			list[i].Status = status
			return true
		}
	}
	return false
}

// Get returns a retained revision
func (h *RolloutHistory) Get(group string, number int) (domain.Revision, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, rev := range h.revisions[group] {
		if rev.Number == number {
			rev.Config = rev.Config.Clone()
			return rev, true
		}
	}
	return domain.Revision{}, false
}

// List returns a group's retained revisions, oldest first
func (h *RolloutHistory) List(group string) []domain.Revision {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.revisions[group]
	out := make([]domain.Revision, len(list))
	for i, rev := range list {
		rev.Config = rev.Config.Clone()
		out[i] = rev
	}
	return out
}

// Len returns the number of retained revisions for a group
func (h *RolloutHistory) Len(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.revisions[group])
}

// Forget drops a group's retained revisions. Numbering continues if the
// group is registered again.
func (h *RolloutHistory) Forget(group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.revisions, group)
}
