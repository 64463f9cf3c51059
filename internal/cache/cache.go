// Package cache provides a typed wrapper around the process-local
// in-memory cache.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/portside-io/portside/internal/log"
)

// NoExpiration marks entries that live until explicitly deleted.
const NoExpiration = gocache.NoExpiration

const DefaultCleanupInterval = 30 * time.Minute

// Store is the concrete typed cache. Entries are keyed by string.
type Store[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// New initializes a cache for the given use case. Use NoExpiration for
// entries that are removed explicitly rather than aged out.
func New[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *Store[V] {
	return &Store[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves an item by its key.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	value, found := s.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", s.useCase, "key", key)
		return zero, false
	}

	return v, true
}

// Set stores a value under a key with the given TTL.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.cache.Set(key, value, ttl)
}

// Pop removes a key and returns the value it held, if any.
func (s *Store[V]) Pop(key string) (V, bool) {
	v, ok := s.Get(key)
	if ok {
		s.cache.Delete(key)
	}
	return v, ok
}

// Delete removes a key.
func (s *Store[V]) Delete(key string) {
	s.cache.Delete(key)
}

// Keys returns the keys of every live entry, in no particular order.
func (s *Store[V]) Keys() []string {
	items := s.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys
}

// Flush removes every entry.
func (s *Store[V]) Flush() {
	s.cache.Flush()
}

// Len returns the number of live entries.
func (s *Store[V]) Len() int {
	return s.cache.ItemCount()
}
