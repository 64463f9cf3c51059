// Package registry tracks the set of active proxies and keeps this
// process's routing table consistent with it. The store may be shared
// between processes; the targets cache and routing table are strictly
// per-process, so each process converges on its own view of what it has
// published.
package registry

import (
	"context"
	"net/url"

	"github.com/portside-io/portside/internal/cache"
	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/pubsub"
	"github.com/portside-io/portside/internal/routing"
)

// ActiveProxies is the registry of live proxy records. Every mutation
// goes through it so that routing reconciliation can never be skipped.
type ActiveProxies struct {
	store  Store
	table  routing.Table
	events *pubsub.Broker[*proxy.Proxy]

	// published remembers, per proxy id, the exact target set this
	// process has pushed into its routing table. Retraction always uses
	// this record rather than whatever targets an incoming update
	// carries, so a record that lost its targets on the way down still
	// gets fully retracted.
	published *cache.Store[map[string]*url.URL]
}

// New creates a registry over the given store and routing table.
func New(store Store, table routing.Table) *ActiveProxies {
	return &ActiveProxies{
		store:     store,
		table:     table,
		events:    pubsub.NewBroker[*proxy.Proxy](),
		published: cache.New[map[string]*url.URL]("registry-published-targets", cache.NoExpiration, cache.DefaultCleanupInterval),
	}
}

// Events exposes the proxy change feed. Payloads are snapshots.
func (r *ActiveProxies) Events() *pubsub.Broker[*proxy.Proxy] {
	return r.events
}

// AddProxy registers a new proxy record and reconciles routing.
func (r *ActiveProxies) AddProxy(ctx context.Context, p *proxy.Proxy) error {
	if err := r.store.Put(ctx, p); err != nil {
		return err
	}
	r.reconcile(p)
	r.events.Publish(pubsub.CreatedEvent, p.Clone())
	return nil
}

// UpdateProxy overwrites an existing record and reconciles routing.
func (r *ActiveProxies) UpdateProxy(ctx context.Context, p *proxy.Proxy) error {
	if err := r.store.Put(ctx, p); err != nil {
		return err
	}
	r.reconcile(p)
	r.events.Publish(pubsub.UpdatedEvent, p.Clone())
	return nil
}

// RemoveProxy deletes the record and retracts everything this process
// published for it.
func (r *ActiveProxies) RemoveProxy(ctx context.Context, p *proxy.Proxy) error {
	if err := r.store.Delete(ctx, p.ID); err != nil {
		return err
	}
	r.retract(p.ID)
	r.events.Publish(pubsub.DeletedEvent, p.Clone())
	return nil
}

// GetProxy returns a snapshot of one record. Reads reconcile too:
// another process may have mutated the shared record since this process
// last observed it.
func (r *ActiveProxies) GetProxy(ctx context.Context, id string) (*proxy.Proxy, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.reconcile(p)
	return p, nil
}

// GetAllProxies returns snapshots of every record, reconciling each.
func (r *ActiveProxies) GetAllProxies(ctx context.Context) ([]*proxy.Proxy, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		r.reconcile(p)
	}
	return all, nil
}

// GetProxiesByUser returns snapshots of the user's records.
func (r *ActiveProxies) GetProxiesByUser(ctx context.Context, userID string) ([]*proxy.Proxy, error) {
	all, err := r.GetAllProxies(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

// RefreshMappings reconciles the routing table against a full listing of
// the store. Entries published for proxies that no longer exist are
// retracted.
func (r *ActiveProxies) RefreshMappings(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(all))
	for _, p := range all {
		seen[p.ID] = struct{}{}
		r.reconcile(p)
	}
	for _, id := range r.publishedIDs() {
		if _, ok := seen[id]; !ok {
			r.retract(id)
		}
	}
	return nil
}

// reconcile brings the routing table in line with one observed record.
func (r *ActiveProxies) reconcile(p *proxy.Proxy) {
	if !p.Status.Reachable() {
		r.retract(p.ID)
		return
	}

	cached, ok := r.published.Get(p.ID)
	if ok && targetsEqual(cached, p.Targets) {
		return
	}

	for path := range cached {
		if _, still := p.Targets[path]; !still {
			r.table.RemoveMapping(path)
		}
	}
	for path, target := range p.Targets {
		r.table.AddMapping(p.ID, path, target)
	}
	r.published.Set(p.ID, cloneTargets(p.Targets), cache.NoExpiration)
	log.Debug(log.CatRegistry, "routing reconciled", "proxyID", p.ID, "targets", len(p.Targets))
}

// retract withdraws every entry this process published for the proxy id.
func (r *ActiveProxies) retract(id string) {
	cached, ok := r.published.Pop(id)
	if !ok {
		return
	}
	for path := range cached {
		r.table.RemoveMapping(path)
	}
	log.Debug(log.CatRegistry, "routing retracted", "proxyID", id, "targets", len(cached))
}

// publishedIDs lists the proxy ids with entries in the published cache.
// Tracked alongside the cache because the underlying cache does not
// enumerate keys in a typed way.
func (r *ActiveProxies) publishedIDs() []string {
	return r.published.Keys()
}

// targetsEqual compares two target sets by value.
func targetsEqual(a, b map[string]*url.URL) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if (av == nil) != (bv == nil) {
			return false
		}
		if av != nil && av.String() != bv.String() {
			return false
		}
	}
	return true
}

func cloneTargets(in map[string]*url.URL) map[string]*url.URL {
	out := make(map[string]*url.URL, len(in))
	for k, v := range in {
		u := *v
		out[k] = &u
	}
	return out
}
