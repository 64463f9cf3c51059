package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/portside-io/portside/internal/proxy"
)

// ErrNotFound is returned when no record exists for a proxy id.
var ErrNotFound = errors.New("proxy not found")

// Store persists active-proxy records. Records are written and read as
// whole snapshots; concurrent writers to the same id are serialized by
// the lifecycle layer, never by the store.
type Store interface {
	// Put writes the record, replacing any existing one for the same id.
	Put(ctx context.Context, p *proxy.Proxy) error

	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (*proxy.Proxy, error)

	// Delete removes the record. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns copies of every record.
	List(ctx context.Context) ([]*proxy.Proxy, error)
}

// MemoryStore is the single-process Store. Records are deep-copied on
// the way in and out so callers never share mutable state with the
// store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*proxy.Proxy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*proxy.Proxy)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Put(_ context.Context, p *proxy.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*proxy.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*proxy.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*proxy.Proxy, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, p.Clone())
	}
	return out, nil
}
