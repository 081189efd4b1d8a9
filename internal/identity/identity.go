// Package identity implements the per-session identity map: at most one live
// instance per (entity, primary key) pair. The session holds strong
// references to instances with pending work; clean persistent instances live
// in a bounded LRU segment under an explicit eviction policy.
package identity

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"ormcore/internal/state"
	"ormcore/pkg/ormerr"
)

// DefaultCleanCapacity bounds the evictable clean segment when no capacity is
// configured.
const DefaultCleanCapacity = 4096

// Map is a session-scoped identity map. It is not safe for concurrent use;
// the owning session serializes access.
type Map struct {
	strong map[state.Key]*state.Instance
	clean  *lru.Cache[state.Key, *state.Instance]
}

// NewMap constructs an identity map whose clean segment holds at most
// cleanCapacity entries (DefaultCleanCapacity when zero or negative).
func NewMap(cleanCapacity int) (*Map, error) {
	if cleanCapacity <= 0 {
		cleanCapacity = DefaultCleanCapacity
	}
	cache, err := lru.New[state.Key, *state.Instance](cleanCapacity)
	if err != nil {
		return nil, fmt.Errorf("identity: clean segment: %w", err)
	}
	return &Map{
		strong: make(map[state.Key]*state.Instance),
		clean:  cache,
	}, nil
}

// Get returns the live instance registered under key. A hit on the clean
// segment refreshes its recency.
func (m *Map) Get(key state.Key) (*state.Instance, bool) {
	if inst, ok := m.strong[key]; ok {
		return inst, true
	}
	return m.clean.Get(key)
}

// Add registers an instance under key with a strong reference. Registering a
// second distinct instance for an existing key fails with IdentityConflict.
func (m *Map) Add(key state.Key, inst *state.Instance) error {
	if existing, ok := m.Get(key); ok {
		if existing == inst {
			return nil
		}
		return ormerr.IdentityConflictError{Entity: key.Entity, Key: key.String()}
	}
	m.clean.Remove(key)
	m.strong[key] = inst
	return nil
}

// Remove drops the entry for key, if any.
func (m *Map) Remove(key state.Key) {
	delete(m.strong, key)
	m.clean.Remove(key)
}

// MarkClean moves an instance's entry to the evictable clean segment. Only
// clean persistent instances are eligible for eviction; callers must not
// demote instances with pending work.
func (m *Map) MarkClean(key state.Key) {
	inst, ok := m.strong[key]
	if !ok {
		return
	}
	delete(m.strong, key)
	m.clean.Add(key, inst)
}

// Retain promotes a clean entry back to the strong segment, pinning it for
// the duration of pending work.
func (m *Map) Retain(key state.Key) {
	if inst, ok := m.clean.Get(key); ok {
		m.clean.Remove(key)
		m.strong[key] = inst
	}
}

// All returns every live instance in deterministic key order.
func (m *Map) All() []*state.Instance {
	keys := make([]state.Key, 0, len(m.strong)+m.clean.Len())
	for k := range m.strong {
		keys = append(keys, k)
	}
	keys = append(keys, m.clean.Keys()...)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].Encoded < keys[j].Encoded
	})
	out := make([]*state.Instance, 0, len(keys))
	for _, k := range keys {
		if inst, ok := m.Get(k); ok {
			out = append(out, inst)
		}
	}
	return out
}

// Len returns the number of live entries.
func (m *Map) Len() int {
	return len(m.strong) + m.clean.Len()
}

// Clear empties the map, used when the session ends.
func (m *Map) Clear() {
	m.strong = make(map[state.Key]*state.Instance)
	m.clean.Purge()
}
