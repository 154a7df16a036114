package cache

import (
	"maps"
	"slices"
	"sync"
)

// Store is a concurrency-safe map of entities keyed by snowflake id.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewStore creates an empty store.
func NewStore[T any]() *Store[T] {
	return &Store[T]{items: make(map[string]T)}
}

// Get returns the entity with id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// Set stores v under id and returns the previous value, if any.
func (s *Store[T]) Set(id string, v T) (prev T, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed = s.items[id]
	s.items[id] = v
	return prev, existed
}

// Delete removes id and returns what was stored.
func (s *Store[T]) Delete(id string) (prev T, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed = s.items[id]
	delete(s.items, id)
	return prev, existed
}

// Len returns the number of entities.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// IDs returns the stored ids in sorted order.
func (s *Store[T]) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.items))
}

// Range calls fn for every entity until fn returns false. fn must not
// modify the store.
func (s *Store[T]) Range(fn func(id string, v T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, v := range s.items {
		if !fn(id, v) {
			return
		}
	}
}

// Clear removes every entity.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.items)
}
