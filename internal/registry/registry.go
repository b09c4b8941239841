// Package registry owns the in-memory server membership for both pools.
// Membership is seeded from the pools file and mutable at runtime through
// the admin API.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/intouch-cp/weightd/internal/model"
)

// Registry is a mutex-guarded view of the two backend pools.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]model.ServerDescriptor
}

// New returns a registry seeded with the given servers. Entries must already
// carry their pool and a unique id (the pools loader guarantees both).
func New(seed ...model.ServerDescriptor) *Registry {
	r := &Registry{servers: make(map[string]model.ServerDescriptor, len(seed))}
	for _, s := range seed {
		r.servers[s.ID] = s
	}
	return r
}

// Add registers a new server. It fails on duplicate ids or unknown pools.
func (r *Registry) Add(s model.ServerDescriptor) error {
	if s.ID == "" {
		return fmt.Errorf("server id must not be empty")
	}
	if s.Host == "" {
		return fmt.Errorf("server %s: host must not be empty", s.ID)
	}
	if !s.Pool.Valid() {
		return fmt.Errorf("server %s: unknown pool %q", s.ID, s.Pool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[s.ID]; exists {
		return fmt.Errorf("server %s already registered", s.ID)
	}
	r.servers[s.ID] = s
	return nil
}

// Remove deletes a server from its pool. Returns false if the id is unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return false
	}
	delete(r.servers, id)
	return true
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (model.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Known reports whether id is registered in either pool.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// SetEnabled flips the enabled flag for id and returns the updated descriptor.
func (r *Registry) SetEnabled(id string, enabled bool) (model.ServerDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		return model.ServerDescriptor{}, false
	}
	s.Enabled = enabled
	r.servers[id] = s
	return s, true
}

// Pool returns all servers in the given pool, sorted by id. The slice is a copy.
func (r *Registry) Pool(pool model.Pool) []model.ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ServerDescriptor
	for _, s := range r.servers {
		if s.Pool == pool {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every registered server across both pools, sorted by id.
func (r *Registry) All() []model.ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServerDescriptor, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered servers across both pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
