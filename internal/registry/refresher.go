package registry

import (
	"context"
	"time"

	"github.com/portside-io/portside/internal/log"
)

const defaultRefreshInterval = 30 * time.Second

// Refresher periodically reconciles the routing table against a full
// store listing. It exists for shared-store deployments, where another
// process may mutate records without this process observing the change
// through its own registry calls.
type Refresher struct {
	registry *ActiveProxies
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRefresher creates a refresher; interval <= 0 selects the default.
func NewRefresher(registry *ActiveProxies, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Refresher{registry: registry, interval: interval}
}

// Start launches the refresh loop. An immediate refresh runs first so a
// freshly started process converges without waiting a full interval.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.refresh(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight refresh to finish.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Refresher) refresh(ctx context.Context) {
	if err := r.registry.RefreshMappings(ctx); err != nil {
		log.Warn(log.CatRegistry, "periodic mapping refresh failed", "error", err)
	}
}
