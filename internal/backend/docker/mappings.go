package docker

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/spec"
)

// Labels attached to every container this backend creates. They carry
// enough state to rebuild the proxy record and its routing entries after
// a process restart.
const (
	LabelManagedBy    = "portside.managed-by"
	LabelProxyID      = "portside.proxy-id"
	LabelSpecID       = "portside.spec-id"
	LabelUserID       = "portside.user-id"
	LabelContainerIdx = "portside.container-index"
	LabelPortMappings = "portside.port-mappings"

	managedByValue = "portside"
)

// formatPortMappings encodes a container spec's port mappings as the
// label value "name:port[,name:port...]", sorted by name for stability.
func formatPortMappings(mappings []spec.PortMapping) string {
	parts := make([]string, 0, len(mappings))
	for _, pm := range mappings {
		parts = append(parts, fmt.Sprintf("%s:%d", pm.Name, pm.Port))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// parsePortMappings decodes the LabelPortMappings value.
func parsePortMappings(label string) ([]spec.PortMapping, error) {
	if label == "" {
		return nil, nil
	}
	parts := strings.Split(label, ",")
	mappings := make([]spec.PortMapping, 0, len(parts))
	for _, part := range parts {
		name, portStr, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed port mapping entry %q", part)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("malformed port in mapping entry %q: %w", part, err)
		}
		mappings = append(mappings, spec.PortMapping{Name: name, Port: port})
	}
	return mappings, nil
}

// computeTargets derives the (path segment, target address) pairs for one
// container from its port-mapping label and the host ports the engine
// bound. Fresh starts and recovered containers both go through this
// function, so the two paths converge to identical routing entries.
func computeTargets(host, mappingLabel string, portBindings map[int]int) (map[string]*url.URL, error) {
	mappings, err := parsePortMappings(mappingLabel)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]*url.URL, len(mappings))
	for _, pm := range mappings {
		hostPort, ok := portBindings[pm.Port]
		if !ok {
			return nil, fmt.Errorf("no host port bound for container port %d (mapping %q)", pm.Port, pm.Name)
		}
		u, err := url.Parse(fmt.Sprintf("http://%s:%d", host, hostPort))
		if err != nil {
			return nil, err
		}
		targets[pm.Name] = u
	}
	return targets, nil
}

// rebuildTargets recomputes a proxy's full target mapping from the
// port-mapping labels and host bindings recorded on its containers. Used
// whenever routing has been withdrawn (pause, restart) and the containers
// are running again.
func rebuildTargets(host string, containers []proxy.Container) (map[string]*url.URL, error) {
	targets := make(map[string]*url.URL)
	for _, c := range containers {
		containerTargets, err := computeTargets(host, c.RuntimeLabels[LabelPortMappings], c.PortBindings)
		if err != nil {
			return nil, err
		}
		for name, target := range containerTargets {
			targets[name] = target
		}
	}
	return targets, nil
}

// envToList converts a spec env map to the engine's KEY=VALUE list form,
// sorted for deterministic container creation.
func envToList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
