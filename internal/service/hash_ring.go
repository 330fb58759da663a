package service

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// DefaultHashReplicas is the number of virtual nodes per member
const DefaultHashReplicas = 150

// HashRing maps affinity keys onto members. Each member occupies replicas
// points hashed from "id:replicaIndex"; a key belongs to the first point at or
// after its hash, wrapping around. Removing one of M members remaps only the
// keys that member owned, roughly 1/M of them.
type HashRing struct {
	replicas int

	mu      sync.RWMutex
	points  []uint32
	owners  map[uint32]string
	members map[string]struct{}
}

// NewHashRing creates an empty ring
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultHashReplicas
	}
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]string),
		members:  make(map[string]struct{}),
	}
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// Add inserts members. Members already present are ignored.
func (r *HashRing) Add(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// sorted insertion keeps point ownership independent of call order on collisions
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, ok := r.members[id]; ok {
			continue
		}
		r.members[id] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			point := hashKey(id + ":" + strconv.Itoa(i))
			if _, taken := r.owners[point]; taken {
				continue
			}
			r.owners[point] = id
			r.points = append(r.points, point)
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// Remove deletes a member and its points
func (r *HashRing) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)

	kept := r.points[:0]
	for _, point := range r.points {
		if r.owners[point] == id {
			delete(r.owners, point)
			continue
		}
		kept = append(kept, point)
	}
	r.points = kept
}

// Get returns the member owning key
func (r *HashRing) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}
	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]], true
}

// Len returns the number of members
func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Replicas returns the virtual node count per member
func (r *HashRing) Replicas() int {
	return r.replicas
}
