// Package proxy defines the runtime model of a launched application
// instance: its lifecycle status, owned containers and routing targets.
package proxy

import (
	"maps"
	"net/url"
	"time"
)

// Status is the lifecycle state of a proxy.
type Status string

const (
	StatusNew      Status = "New"
	StatusUp       Status = "Up"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusPausing  Status = "Pausing"
	StatusPaused   Status = "Paused"
)

// Reachable reports whether routing targets may be published for this
// status. Targets are withdrawn the moment a proxy leaves a reachable
// status, before the backend call completes, so no request is routed to a
// target mid-teardown.
func (s Status) Reachable() bool {
	return s == StatusNew || s == StatusUp
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped
}

// CanTransition reports whether the state machine allows moving from s
// to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusUp || next == StatusStopping
	case StatusUp:
		return next == StatusStopping || next == StatusPausing
	case StatusStopping:
		return next == StatusStopped
	case StatusPausing:
		return next == StatusPaused
	case StatusPaused:
		// A failed resume leaves the proxy Paused; stopping a paused
		// proxy is allowed.
		return next == StatusUp || next == StatusStopping
	default:
		return false
	}
}

// Container is one backend-managed unit belonging to a proxy.
// Owned exclusively by its proxy.
type Container struct {
	// Index is the position of the originating container spec.
	Index int

	// ID is the backend-native identifier of the created resource.
	ID string

	// PortBindings maps container port to the host port the backend
	// allocated for it.
	PortBindings map[int]int

	// RuntimeLabels carries backend-specific metadata needed to recover
	// the container after a process restart.
	RuntimeLabels map[string]string
}

// Proxy is a running (or transitioning) instance derived from a spec.
// It is mutated only by the component driving its current transition.
type Proxy struct {
	ID          string
	SpecID      string
	UserID      string
	DisplayName string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time

	Containers []Container

	// Targets maps a path segment to the backend address serving it.
	// Non-empty only while the proxy is reachable.
	Targets map[string]*url.URL

	// StartupLog records the phases of the start attempt, including the
	// failure diagnostic when the start did not succeed.
	StartupLog StartupLog
}

// Clone returns a deep copy of the proxy. Stores hand out clones so a
// caller can never mutate a shared record in place.
func (p *Proxy) Clone() *Proxy {
	if p == nil {
		return nil
	}
	out := *p
	out.Containers = make([]Container, len(p.Containers))
	for i, c := range p.Containers {
		out.Containers[i] = c
		out.Containers[i].PortBindings = maps.Clone(c.PortBindings)
		out.Containers[i].RuntimeLabels = maps.Clone(c.RuntimeLabels)
	}
	if p.Targets != nil {
		out.Targets = make(map[string]*url.URL, len(p.Targets))
		for k, v := range p.Targets {
			u := *v
			out.Targets[k] = &u
		}
	}
	out.StartupLog.Events = append([]StartupEvent(nil), p.StartupLog.Events...)
	return &out
}

// ExistingContainerInfo describes a container recovered by scanning a
// backend for resources left behind by a previous process instance.
// Transient: consumed once during startup recovery.
type ExistingContainerInfo struct {
	ContainerID  string
	ProxyID      string
	SpecID       string
	UserID       string
	Image        string
	ContainerIdx int
	PortBindings map[int]int
	Labels       map[string]string
}
