// Package routing holds the process-local routing table: the mapping from
// path segment to reachable backend address that the HTTP layer consults.
// The table serves only this process's inbound traffic; the registry
// publishes and retracts entries as the shared state changes.
package routing

import (
	"net/url"
	"sync"

	"github.com/portside-io/portside/internal/log"
)

// Table is consumed by the registry and the HTTP layer.
type Table interface {
	// AddMapping publishes a (path segment, target) pair, overwriting any
	// prior entry for that path.
	AddMapping(proxyID, pathSegment string, target *url.URL)

	// RemoveMapping retracts a path segment. Safe to call when the
	// segment is absent.
	RemoveMapping(pathSegment string)
}

// Mapping is one published routing entry.
type Mapping struct {
	ProxyID string
	Target  *url.URL
}

// MemoryTable is the in-process Table implementation.
type MemoryTable struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
}

// NewMemoryTable creates an empty routing table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{mappings: make(map[string]Mapping)}
}

var _ Table = (*MemoryTable)(nil)

// AddMapping publishes a routing entry, overwriting any existing one.
func (t *MemoryTable) AddMapping(proxyID, pathSegment string, target *url.URL) {
	t.mu.Lock()
	defer t.mu.Unlock()
	log.Debug(log.CatRouting, "publish mapping", "proxyID", proxyID, "path", pathSegment, "target", target)
	t.mappings[pathSegment] = Mapping{ProxyID: proxyID, Target: target}
}

// RemoveMapping retracts a routing entry; a no-op when absent.
func (t *MemoryTable) RemoveMapping(pathSegment string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mappings[pathSegment]; !ok {
		return
	}
	log.Debug(log.CatRouting, "retract mapping", "path", pathSegment)
	delete(t.mappings, pathSegment)
}

// Lookup resolves a path segment to its target address.
func (t *MemoryTable) Lookup(pathSegment string) (*url.URL, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mappings[pathSegment]
	if !ok {
		return nil, false
	}
	return m.Target, true
}

// Len returns the number of published entries.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mappings)
}
