// Package app is the composition root: it wires the configured backend,
// store, registry, lifecycle service and supporting loops into one
// runnable service.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portside-io/portside/internal/backend"
	"github.com/portside-io/portside/internal/backend/docker"
	"github.com/portside-io/portside/internal/config"
	"github.com/portside-io/portside/internal/infrastructure/sqlite"
	"github.com/portside-io/portside/internal/lifecycle"
	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/registry"
	"github.com/portside-io/portside/internal/routing"
	"github.com/portside-io/portside/internal/tracing"
	"github.com/portside-io/portside/internal/watcher"
)

// App owns every long-lived component of the service.
type App struct {
	cfg   config.Config
	specs *config.SpecStore

	tracing   *tracing.Provider
	backend   backend.Backend
	table     *routing.MemoryTable
	registry  *registry.ActiveProxies
	refresher *registry.Refresher
	lifecycle *lifecycle.Service
	watcher   *watcher.Watcher

	db *sql.DB
}

// New wires the service from configuration. Spec validation failures
// are fatal here: a service with a bad spec never becomes ready.
func New(cfg config.Config) (*App, error) {
	specs, err := config.LoadSpecs(cfg.SpecsFile)
	if err != nil {
		return nil, err
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	a := &App{cfg: cfg, specs: specs, tracing: provider}

	switch cfg.Backend.Type {
	case "docker", "":
		a.backend = docker.New(docker.Config{TargetHost: cfg.Backend.TargetHost})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}

	var store registry.Store
	switch cfg.Store.Type {
	case "memory", "":
		store = registry.NewMemoryStore()
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.db = db
		store = sqlite.NewProxyStore(db, cfg.Realm)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	a.table = routing.NewMemoryTable()
	a.registry = registry.New(store, a.table)
	a.refresher = registry.NewRefresher(a.registry,
		time.Duration(cfg.Registry.RefreshIntervalSeconds)*time.Second)
	a.lifecycle = lifecycle.New(a.backend, a.registry, specs, lifecycle.Config{
		MaxConcurrentOps: cfg.Lifecycle.MaxConcurrentOps,
	})

	return a, nil
}

// Lifecycle exposes the lifecycle service.
func (a *App) Lifecycle() *lifecycle.Service { return a.lifecycle }

// Registry exposes the active-proxy registry.
func (a *App) Registry() *registry.ActiveProxies { return a.registry }

// Specs exposes the loaded spec store.
func (a *App) Specs() *config.SpecStore { return a.specs }

// RoutingTable exposes the process-local routing table for the HTTP
// layer.
func (a *App) RoutingTable() *routing.MemoryTable { return a.table }

// Run starts the background loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.backend.Initialize(ctx); err != nil {
		return err
	}

	if a.cfg.Lifecycle.RecoverOnStartup {
		if err := a.lifecycle.RecoverExistingProxies(ctx); err != nil {
			log.ErrorErr(log.CatRecovery, "startup recovery failed", err)
		}
	}

	a.refresher.Start(ctx)
	defer a.refresher.Stop()

	w, err := watcher.New(watcher.Config{Path: a.cfg.SpecsFile})
	if err != nil {
		return fmt.Errorf("creating spec watcher: %w", err)
	}
	a.watcher = w
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting spec watcher: %w", err)
	}

	log.Info(log.CatLifecycle, "service ready", "backend", a.cfg.Backend.Type, "store", a.cfg.Store.Type)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			// Bad edits keep the previous specs in effect.
			if err := a.specs.Reload(); err != nil {
				log.ErrorErr(log.CatConfig, "spec reload failed, keeping previous specs", err)
			}
		}
	}
}

// Close releases every held resource.
func (a *App) Close() error {
	var firstErr error
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			firstErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if closer, ok := a.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
