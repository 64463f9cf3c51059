// Package lifecycle drives proxy state transitions: it validates a start
// request, invokes the container backend on a bounded worker pool, and
// keeps the registry bookkeeping ordered so routing is never stale in the
// dangerous direction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/portside-io/portside/internal/backend"
	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/params"
	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/registry"
	"github.com/portside-io/portside/internal/spec"
)

// DefaultMaxConcurrentOps is the default number of backend operations
// allowed in flight at once.
const DefaultMaxConcurrentOps = 8

// ErrProxyNotFound is returned for lifecycle operations on an unknown
// proxy id.
var ErrProxyNotFound = errors.New("proxy not found")

// ErrInvalidTransition is returned when the requested operation is not
// legal from the proxy's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// SpecSource resolves a spec id to its immutable template.
type SpecSource interface {
	GetSpec(id string) (*spec.ProxySpec, error)
}

// Config holds lifecycle service settings.
type Config struct {
	// MaxConcurrentOps bounds concurrent backend calls across all proxies.
	MaxConcurrentOps int

	// Resolver performs expression resolution of spec extension fields.
	// Nil disables resolution.
	Resolver spec.Resolver
}

// Service owns all lifecycle transitions. Operations targeting the same
// proxy id are serialized; distinct ids proceed in parallel up to the
// worker bound.
type Service struct {
	backend  backend.Backend
	registry *registry.ActiveProxies
	specs    SpecSource
	resolver spec.Resolver
	tracer   trace.Tracer

	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]*proxyLock

	// resolvedSpecs holds, per proxy id, the fully resolved template of
	// instances this process launched. Resume hands it back to the backend
	// so runtime-resolved extension values survive the pause cycle.
	resolvedSpecs map[string]*spec.ProxySpec
}

// proxyLock is a refcounted per-proxy-id mutex entry.
type proxyLock struct {
	sync.Mutex
	refs int
}

// New creates the lifecycle service.
func New(b backend.Backend, r *registry.ActiveProxies, specs SpecSource, cfg Config) *Service {
	if cfg.MaxConcurrentOps <= 0 {
		cfg.MaxConcurrentOps = DefaultMaxConcurrentOps
	}
	return &Service{
		backend:       b,
		registry:      r,
		specs:         specs,
		resolver:      cfg.Resolver,
		tracer:        otel.Tracer("portside/lifecycle"),
		slots:         make(chan struct{}, cfg.MaxConcurrentOps),
		inflight:      make(map[string]*proxyLock),
		resolvedSpecs: make(map[string]*spec.ProxySpec),
	}
}

// StartProxy validates the request, launches a new proxy on the backend
// and registers it. On any failure nothing reachable remains registered
// and the returned error carries the startup diagnostic.
func (s *Service) StartProxy(ctx context.Context, userID, specID string, provided params.ProvidedParameters) (*proxy.Proxy, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.start_proxy",
		trace.WithAttributes(
			attribute.String("spec.id", specID),
			attribute.String("user.id", userID),
		))
	defer span.End()

	proxySpec, err := s.specs.GetSpec(specID)
	if err != nil {
		return nil, err
	}

	if _, err := params.ValidateRequest(proxySpec, provided); err != nil {
		log.Warn(log.CatLifecycle, "start rejected by parameter validation", "specID", specID, "userID", userID, "error", err)
		return nil, err
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("proxy.id", id))
	unlock := s.lockProxy(id)
	defer unlock()

	resolveCtx := spec.ResolveContext{User: userID, SpecID: specID, ProxyID: id}
	resolved := proxySpec
	if s.resolver != nil {
		resolved, err = proxySpec.ResolveEarly(s.resolver, resolveCtx)
		if err != nil {
			return nil, fmt.Errorf("early spec resolution failed: %w", err)
		}
	}

	p := &proxy.Proxy{
		ID:          id,
		SpecID:      specID,
		UserID:      userID,
		DisplayName: resolved.DisplayName,
		Status:      proxy.StatusNew,
		CreatedAt:   time.Now(),
	}
	if err := s.registry.AddProxy(ctx, p); err != nil {
		return nil, err
	}

	startupLog := proxy.NewStartupLogBuilder()
	release, err := s.acquireSlot(ctx)
	if err != nil {
		_ = s.registry.RemoveProxy(ctx, p)
		return nil, err
	}
	started, err := s.backend.StartProxy(ctx, userID, p, resolved, startupLog)
	release()
	if err != nil {
		// A failed start is never persisted as reachable.
		if rmErr := s.registry.RemoveProxy(ctx, p); rmErr != nil {
			log.Warn(log.CatLifecycle, "removing failed proxy from registry failed", "proxyID", id, "error", rmErr)
		}
		log.ErrorErr(log.CatLifecycle, "proxy start failed", err, "proxyID", id, "specID", specID)
		return nil, err
	}

	if s.resolver != nil {
		resolveCtx.Runtime = runtimeValues(started)
		lateResolved, lateErr := resolved.ResolveLate(s.resolver, resolveCtx)
		if lateErr != nil {
			log.Warn(log.CatLifecycle, "late spec resolution failed, keeping early resolution", "proxyID", id, "error", lateErr)
		} else {
			resolved = lateResolved
		}
	}
	s.rememberSpec(id, resolved)

	if err := s.registry.UpdateProxy(ctx, started); err != nil {
		return nil, err
	}
	log.Info(log.CatLifecycle, "proxy up", "proxyID", id, "specID", specID, "userID", userID)
	return started, nil
}

// StopProxy retracts routing, tears down the backend resources and
// removes the record. Teardown errors do not block removal: an orphaned
// record must never permanently occupy an id. The error, if any, is
// still returned.
func (s *Service) StopProxy(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.stop_proxy",
		trace.WithAttributes(attribute.String("proxy.id", id)))
	defer span.End()

	unlock := s.lockProxy(id)
	defer unlock()

	p, err := s.getProxy(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.CanTransition(proxy.StatusStopping) {
		return fmt.Errorf("%w: cannot stop proxy in status %s", ErrInvalidTransition, p.Status)
	}

	// Mark Stopping and clear targets before touching the backend, so
	// routing is withdrawn before teardown begins.
	p.Status = proxy.StatusStopping
	p.Targets = nil
	if err := s.registry.UpdateProxy(ctx, p); err != nil {
		return err
	}

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return err
	}
	stopErr := s.backend.StopProxy(ctx, p)
	release()
	if stopErr != nil {
		log.ErrorErr(log.CatLifecycle, "backend stop failed, removing record anyway", stopErr, "proxyID", id)
	}

	p.Status = proxy.StatusStopped
	if err := s.registry.RemoveProxy(ctx, p); err != nil {
		return err
	}
	s.forgetSpec(id)
	log.Info(log.CatLifecycle, "proxy stopped", "proxyID", id)
	return stopErr
}

// PauseProxy suspends a running proxy. Routing is withdrawn before the
// backend call, matching stop.
func (s *Service) PauseProxy(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.pause_proxy",
		trace.WithAttributes(attribute.String("proxy.id", id)))
	defer span.End()

	if !s.backend.SupportsPause() {
		return backend.ErrUnsupportedOperation
	}

	unlock := s.lockProxy(id)
	defer unlock()

	p, err := s.getProxy(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.CanTransition(proxy.StatusPausing) {
		return fmt.Errorf("%w: cannot pause proxy in status %s", ErrInvalidTransition, p.Status)
	}

	p.Status = proxy.StatusPausing
	p.Targets = nil
	if err := s.registry.UpdateProxy(ctx, p); err != nil {
		return err
	}

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return err
	}
	pauseErr := s.backend.PauseProxy(ctx, p)
	release()
	if pauseErr != nil {
		// Paused bookkeeping proceeds: the containers may be in any state
		// and resume or stop remains possible from Paused.
		log.ErrorErr(log.CatLifecycle, "backend pause failed", pauseErr, "proxyID", id)
	}

	p.Status = proxy.StatusPaused
	if err := s.registry.UpdateProxy(ctx, p); err != nil {
		return err
	}
	log.Info(log.CatLifecycle, "proxy paused", "proxyID", id)
	return pauseErr
}

// ResumeProxy resumes a paused proxy. On failure the record stays
// Paused, unchanged.
func (s *Service) ResumeProxy(ctx context.Context, id string) (*proxy.Proxy, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.resume_proxy",
		trace.WithAttributes(attribute.String("proxy.id", id)))
	defer span.End()

	if !s.backend.SupportsPause() {
		return nil, backend.ErrUnsupportedOperation
	}

	unlock := s.lockProxy(id)
	defer unlock()

	p, err := s.getProxy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != proxy.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume proxy in status %s", ErrInvalidTransition, p.Status)
	}

	proxySpec, err := s.specFor(p)
	if err != nil {
		return nil, err
	}

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	resumed, resumeErr := s.backend.ResumeProxy(ctx, p.UserID, p, proxySpec)
	release()
	if resumeErr != nil {
		log.ErrorErr(log.CatLifecycle, "backend resume failed, proxy stays paused", resumeErr, "proxyID", id)
		return nil, resumeErr
	}

	if err := s.registry.UpdateProxy(ctx, resumed); err != nil {
		return nil, err
	}
	log.Info(log.CatLifecycle, "proxy resumed", "proxyID", id)
	return resumed, nil
}

// AttachOutput returns the backend's output streamer for the proxy, or
// nil when the backend does not support output attaching.
func (s *Service) AttachOutput(ctx context.Context, id string) (backend.OutputAttacher, error) {
	p, err := s.getProxy(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.backend.GetOutputAttacher(p), nil
}

func (s *Service) getProxy(ctx context.Context, id string) (*proxy.Proxy, error) {
	p, err := s.registry.GetProxy(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrProxyNotFound
	}
	return p, err
}

// specFor returns the resolved template captured when this process
// started the proxy. Proxies launched elsewhere (recovered, or owned by
// a cooperating process) fall back to the raw template.
func (s *Service) specFor(p *proxy.Proxy) (*spec.ProxySpec, error) {
	s.mu.Lock()
	sp, ok := s.resolvedSpecs[p.ID]
	s.mu.Unlock()
	if ok {
		return sp, nil
	}
	return s.specs.GetSpec(p.SpecID)
}

func (s *Service) rememberSpec(id string, sp *spec.ProxySpec) {
	s.mu.Lock()
	s.resolvedSpecs[id] = sp
	s.mu.Unlock()
}

func (s *Service) forgetSpec(id string) {
	s.mu.Lock()
	delete(s.resolvedSpecs, id)
	s.mu.Unlock()
}

// lockProxy serializes transitions per proxy id. Entries are
// refcounted and removed once the last holder releases, keeping the map
// bounded by the number of in-flight transitions.
func (s *Service) lockProxy(id string) func() {
	s.mu.Lock()
	l, ok := s.inflight[id]
	if !ok {
		l = &proxyLock{}
		s.inflight[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}
}

// acquireSlot blocks until a backend worker slot is free.
func (s *Service) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runtimeValues exposes the started instance's assigned identifiers to
// the late resolution pass.
func runtimeValues(p *proxy.Proxy) map[string]string {
	values := map[string]string{
		"proxyId": p.ID,
	}
	for _, c := range p.Containers {
		values[fmt.Sprintf("containerId.%d", c.Index)] = c.ID
	}
	return values
}
