package registry

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"pgregory.net/rapid"

	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/routing"
)

var statuses = []proxy.Status{
	proxy.StatusNew, proxy.StatusUp, proxy.StatusStopping,
	proxy.StatusStopped, proxy.StatusPausing, proxy.StatusPaused,
}

// After any interleaving of registry mutations and a final refresh, the
// routing table holds exactly the targets of the reachable records in
// the store. No stale entry survives, no reachable target is missing.
func TestReconciliation_TableConvergesToReachableRecords(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := routing.NewMemoryTable()
		store := NewMemoryStore()
		r := New(store, table)

		ids := rapid.SliceOfNDistinct(rapid.SampledFrom([]string{"p1", "p2", "p3", "p4"}), 1, 4, rapid.ID[string]).Draw(t, "ids")

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			status := rapid.SampledFrom(statuses).Draw(t, "status")

			p := &proxy.Proxy{ID: id, SpecID: "demo", UserID: "alice", Status: status}
			if status.Reachable() {
				port := rapid.IntRange(30000, 30005).Draw(t, "port")
				u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
				if err != nil {
					t.Fatal(err)
				}
				p.Targets = map[string]*url.URL{id: u}
			}

			if rapid.Bool().Draw(t, "remove") && status.Terminal() {
				if err := r.RemoveProxy(context.Background(), p); err != nil {
					t.Fatal(err)
				}
				continue
			}
			if err := r.UpdateProxy(context.Background(), p); err != nil {
				t.Fatal(err)
			}
		}

		if err := r.RefreshMappings(context.Background()); err != nil {
			t.Fatal(err)
		}

		all, err := store.List(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		want := 0
		for _, p := range all {
			if !p.Status.Reachable() {
				continue
			}
			for path, target := range p.Targets {
				want++
				got, ok := table.Lookup(path)
				if !ok {
					t.Fatalf("reachable target %q missing from table", path)
				}
				if got.String() != target.String() {
					t.Fatalf("table has %s for %q, record has %s", got, path, target)
				}
			}
		}
		if table.Len() != want {
			t.Fatalf("table holds %d entries, want %d", table.Len(), want)
		}
	})
}
