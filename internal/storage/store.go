package storage

import (
	"errors"
	"sort"
	"sync"

	"georepl/internal/clock"
)

// ErrStale is returned by Put when the incoming version does not cover the
// stored one.
var ErrStale = errors.New("incoming version does not dominate stored version")

// Store defines the region-local versioned key space.
type Store interface {
	// Get returns a copy of the current version of key.
	Get(key string) (VersionedData, bool)
	// Put stores vd only if its clock is after or equal to the stored clock.
	Put(key string, vd VersionedData) error
	// Force stores vd unconditionally. Used when a conflict resolution
	// replaces concurrent versions with a merged one.
	Force(key string, vd VersionedData)
	// Keys returns all stored keys, sorted.
	Keys() []string
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]VersionedData
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]VersionedData),
	}
}

// Get retrieves the current version of key.
func (s *InMemoryStore) Get(key string) (VersionedData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vd, exists := s.data[key]
	if !exists {
		return VersionedData{}, false
	}

	// Return a copy to avoid external modifications
	return vd.Copy(), true
}

// Put stores vd if it dominates or equals the stored version.
func (s *InMemoryStore) Put(key string, vd VersionedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data[key]; exists {
		comp := vd.VectorClock.Compare(existing.VectorClock)
		if comp != clock.After && comp != clock.Equal {
			return ErrStale
		}
	}

	s.data[key] = vd.Copy()
	return nil
}

// Force stores vd regardless of the stored version.
func (s *InMemoryStore) Force(key string, vd VersionedData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = vd.Copy()
}

// Keys returns the stored keys in sorted order.
func (s *InMemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
