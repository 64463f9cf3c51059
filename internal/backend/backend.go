// Package backend defines the capability contract a container technology
// must satisfy to launch and tear down proxy instances. Exactly one
// implementation is active per deployment.
package backend

import (
	"context"
	"io"

	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/spec"
)

// OutputAttacher forwards the combined output of a proxy's containers to
// the given writers. It blocks until the containers stop.
type OutputAttacher func(stdout, stderr io.Writer) error

// Backend drives resource creation and destruction for one container
// technology. Implementations perform blocking network I/O; callers run
// them on the lifecycle worker pool, never on a request path, and
// serialize operations targeting the same proxy id.
type Backend interface {
	// Initialize performs first-use setup. Idempotent; an error means the
	// backend is unreachable or misconfigured and is fatal.
	Initialize(ctx context.Context) error

	// StartProxy allocates every container declared by the spec, waits
	// for readiness, and returns the proxy with status Up and a populated
	// target mapping. On any failure it rolls back every resource it
	// already created before returning: the caller never observes leaked
	// partial state. Failures attach a diagnostic to the startup log.
	StartProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec, startupLog *proxy.StartupLogBuilder) (*proxy.Proxy, error)

	// StopProxy releases every resource tied to the proxy. Best-effort
	// and idempotent: stopping an already-stopped or partially-missing
	// proxy is not an error.
	StopProxy(ctx context.Context, p *proxy.Proxy) error

	// PauseProxy suspends the proxy's containers. Returns
	// ErrUnsupportedOperation unless SupportsPause reports true.
	PauseProxy(ctx context.Context, p *proxy.Proxy) error

	// ResumeProxy resumes a paused proxy. Returns the proxy with status
	// Up on success; on failure the proxy stays Paused. Returns
	// ErrUnsupportedOperation unless SupportsPause reports true.
	ResumeProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec) (*proxy.Proxy, error)

	// SupportsPause reports whether PauseProxy/ResumeProxy are available.
	// Callers branch on this instead of catching the unsupported error.
	SupportsPause() bool

	// GetOutputAttacher returns a long-lived streaming function for the
	// proxy's output, or nil when the backend does not support output
	// attaching. Callers must check for nil before use.
	GetOutputAttacher(p *proxy.Proxy) OutputAttacher

	// ScanExistingContainers enumerates resources already present on the
	// backend, e.g. left behind by a previous process instance.
	ScanExistingContainers(ctx context.Context) ([]proxy.ExistingContainerInfo, error)

	// SetupPortMappingExistingProxy reconstructs the routing entries for
	// a recovered container exactly as a fresh start would have produced
	// them, so recovered and fresh proxies converge to the same routing
	// outcome.
	SetupPortMappingExistingProxy(ctx context.Context, p *proxy.Proxy, c proxy.Container, portBindings map[int]int, serviceName string) (proxy.Container, error)
}
