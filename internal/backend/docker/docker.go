// Package docker implements the container backend against a single
// Docker engine. Containers are tagged with portside labels so that a
// restarted service process can recover instances left running by its
// predecessor.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/portside-io/portside/internal/backend"
	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/spec"
)

const (
	containerPrefix  = "portside-"
	defaultStopGrace = 10 // seconds

	readinessTimeout = 60 * time.Second
	readinessPoll    = 500 * time.Millisecond
)

// Config holds the Docker backend settings.
type Config struct {
	// TargetHost is the address advertised in routing targets.
	// Defaults to 127.0.0.1: the engine publishes container ports on the
	// local host interface.
	TargetHost string
}

// Backend drives a single Docker engine.
type Backend struct {
	cfg Config

	initOnce sync.Once
	initErr  error
	cli      *client.Client
}

// New creates an uninitialized Docker backend. The engine connection is
// established lazily by Initialize.
func New(cfg Config) *Backend {
	if cfg.TargetHost == "" {
		cfg.TargetHost = "127.0.0.1"
	}
	return &Backend{cfg: cfg}
}

var _ backend.Backend = (*Backend)(nil)

// Initialize connects to the engine and verifies it responds. Idempotent;
// the first failure is fatal and sticks.
func (b *Backend) Initialize(ctx context.Context) error {
	b.initOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			b.initErr = &backend.Error{Op: "initialize", Err: err}
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := cli.Ping(pingCtx); err != nil {
			_ = cli.Close()
			b.initErr = &backend.Error{Op: "initialize", Err: fmt.Errorf("engine unreachable: %w", err)}
			return
		}
		b.cli = cli
		log.Info(log.CatBackend, "docker backend initialized")
	})
	return b.initErr
}

// StartProxy creates one container per container spec, waits for each to
// run, and returns the proxy Up with its routing targets populated. Any
// failure rolls back every container created so far.
func (b *Backend) StartProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec, startupLog *proxy.StartupLogBuilder) (*proxy.Proxy, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}

	started := p.Clone()
	started.Containers = nil
	started.Targets = make(map[string]*url.URL)

	fail := func(diag string, err error) (*proxy.Proxy, error) {
		startupLog.Diagnostic(diag)
		b.rollback(ctx, started.Containers)
		return nil, &backend.StartupFailedError{ProxyID: p.ID, Diagnostic: diag, Err: err}
	}

	for idx, cs := range s.Containers {
		startupLog.Step("pull-image", cs.Image)
		if err := b.ensureImage(ctx, cs.Image); err != nil {
			return fail(fmt.Sprintf("pulling image %s failed", cs.Image), err)
		}

		startupLog.Step("create-container", fmt.Sprintf("%s [%d]", cs.Image, idx))
		id, err := b.createContainer(ctx, p, s, idx, cs, userID)
		if err != nil {
			return fail(fmt.Sprintf("creating container %d failed", idx), err)
		}
		started.Containers = append(started.Containers, proxy.Container{
			Index: idx,
			ID:    id,
			RuntimeLabels: map[string]string{
				LabelPortMappings: formatPortMappings(cs.PortMappings),
			},
		})

		startupLog.Step("start-container", id)
		if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fail(fmt.Sprintf("starting container %d failed", idx), err)
		}

		startupLog.Step("wait-ready", id)
		bindings, err := b.waitReady(ctx, id)
		if err != nil {
			return fail(fmt.Sprintf("container %d never became ready", idx), err)
		}
		started.Containers[idx].PortBindings = bindings

		targets, err := computeTargets(b.cfg.TargetHost, formatPortMappings(cs.PortMappings), bindings)
		if err != nil {
			return fail(fmt.Sprintf("resolving port bindings of container %d failed", idx), err)
		}
		for name, target := range targets {
			started.Targets[name] = target
		}
	}

	started.Status = proxy.StatusUp
	started.StartedAt = time.Now()
	started.StartupLog = startupLog.Build()
	log.Info(log.CatBackend, "proxy started", "proxyID", started.ID, "containers", len(started.Containers))
	return started, nil
}

// StopProxy stops and removes every container of the proxy. Best-effort
// and idempotent: missing containers are not an error.
func (b *Backend) StopProxy(ctx context.Context, p *proxy.Proxy) error {
	if err := b.Initialize(ctx); err != nil {
		return err
	}
	var firstErr error
	for _, c := range p.Containers {
		if c.ID == "" {
			continue
		}
		grace := defaultStopGrace
		if err := b.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &grace}); err != nil && !errdefs.IsNotFound(err) {
			log.Warn(log.CatBackend, "stopping container failed", "containerID", c.ID, "error", err)
		}
		if err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			if firstErr == nil {
				firstErr = &backend.Error{Op: "stop", Err: err}
			}
		}
	}
	return firstErr
}

// SupportsPause reports pause capability; the engine supports
// pause/unpause natively.
func (b *Backend) SupportsPause() bool { return true }

// PauseProxy suspends every container of the proxy.
func (b *Backend) PauseProxy(ctx context.Context, p *proxy.Proxy) error {
	if err := b.Initialize(ctx); err != nil {
		return err
	}
	for _, c := range p.Containers {
		if err := b.cli.ContainerPause(ctx, c.ID); err != nil {
			return &backend.Error{Op: "pause", Err: err}
		}
	}
	return nil
}

// ResumeProxy unpauses every container and returns the proxy Up with its
// target mapping rebuilt from the containers' recorded port mappings.
// Pause withdraws routing and clears the persisted targets, so resume
// must recompute them; the same label-driven path recovery uses keeps
// the result identical to what the original start produced. On failure
// the proxy record is unchanged.
func (b *Backend) ResumeProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec) (*proxy.Proxy, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	for _, c := range p.Containers {
		if err := b.cli.ContainerUnpause(ctx, c.ID); err != nil {
			return nil, &backend.Error{Op: "resume", Err: err}
		}
	}
	targets, err := rebuildTargets(b.cfg.TargetHost, p.Containers)
	if err != nil {
		return nil, &backend.Error{Op: "resume", Err: err}
	}
	resumed := p.Clone()
	resumed.Status = proxy.StatusUp
	resumed.Targets = targets
	return resumed, nil
}

// GetOutputAttacher streams the combined logs of the proxy's containers.
// The returned function blocks until the containers stop.
func (b *Backend) GetOutputAttacher(p *proxy.Proxy) backend.OutputAttacher {
	containers := make([]string, 0, len(p.Containers))
	for _, c := range p.Containers {
		containers = append(containers, c.ID)
	}
	return func(stdout, stderr io.Writer) error {
		if err := b.Initialize(context.Background()); err != nil {
			return err
		}
		for _, id := range containers {
			reader, err := b.cli.ContainerLogs(context.Background(), id, container.LogsOptions{
				ShowStdout: true,
				ShowStderr: true,
				Follow:     true,
			})
			if err != nil {
				return &backend.Error{Op: "attach-output", Err: err}
			}
			_, err = stdcopy.StdCopy(stdout, stderr, reader)
			_ = reader.Close()
			if err != nil && err != io.EOF {
				return err
			}
		}
		return nil
	}
}

// ScanExistingContainers lists portside-labelled containers left on the
// engine, for startup recovery.
func (b *Backend) ScanExistingContainers(ctx context.Context) ([]proxy.ExistingContainerInfo, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, &backend.Error{Op: "scan", Err: err}
	}

	infos := make([]proxy.ExistingContainerInfo, 0, len(containers))
	for _, c := range containers {
		idx, err := strconv.Atoi(c.Labels[LabelContainerIdx])
		if err != nil {
			log.Warn(log.CatRecovery, "skipping container with malformed index label", "containerID", c.ID)
			continue
		}
		infos = append(infos, proxy.ExistingContainerInfo{
			ContainerID:  c.ID,
			ProxyID:      c.Labels[LabelProxyID],
			SpecID:       c.Labels[LabelSpecID],
			UserID:       c.Labels[LabelUserID],
			Image:        c.Image,
			ContainerIdx: idx,
			PortBindings: publicPorts(c),
			Labels:       c.Labels,
		})
	}
	return infos, nil
}

// SetupPortMappingExistingProxy rebuilds the routing targets of a
// recovered container from its labels, through the same code path a
// fresh start uses.
func (b *Backend) SetupPortMappingExistingProxy(ctx context.Context, p *proxy.Proxy, c proxy.Container, portBindings map[int]int, serviceName string) (proxy.Container, error) {
	mappingLabel := c.RuntimeLabels[LabelPortMappings]
	targets, err := computeTargets(b.cfg.TargetHost, mappingLabel, portBindings)
	if err != nil {
		return proxy.Container{}, &backend.Error{Op: "setup-port-mapping", Err: err}
	}
	if p.Targets == nil {
		p.Targets = make(map[string]*url.URL, len(targets))
	}
	for name, target := range targets {
		p.Targets[name] = target
	}
	c.PortBindings = portBindings
	return c, nil
}

// Close releases the engine client.
func (b *Backend) Close() error {
	if b.cli != nil {
		return b.cli.Close()
	}
	return nil
}

func (b *Backend) createContainer(ctx context.Context, p *proxy.Proxy, s *spec.ProxySpec, idx int, cs spec.ContainerSpec, userID string) (string, error) {
	exposed := make(nat.PortSet, len(cs.PortMappings))
	bindings := make(nat.PortMap, len(cs.PortMappings))
	for _, pm := range cs.PortMappings {
		port, err := nat.NewPort("tcp", strconv.Itoa(pm.Port))
		if err != nil {
			return "", err
		}
		exposed[port] = struct{}{}
		// HostPort left empty: the engine picks a free port.
		bindings[port] = []nat.PortBinding{{HostIP: b.cfg.TargetHost}}
	}

	containerCfg := &container.Config{
		Image:        cs.Image,
		Cmd:          cs.Cmd,
		Env:          envToList(cs.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelManagedBy:    managedByValue,
			LabelProxyID:      p.ID,
			LabelSpecID:       s.ID,
			LabelUserID:       userID,
			LabelContainerIdx: strconv.Itoa(idx),
			LabelPortMappings: formatPortMappings(cs.PortMappings),
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
	}
	if cs.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(cs.Network)
	}

	name := fmt.Sprintf("%s%s-%d", containerPrefix, p.ID, idx)
	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// waitReady polls the container until it is running and its published
// ports are visible, then returns the container→host port bindings.
func (b *Backend) waitReady(ctx context.Context, id string) (map[int]int, error) {
	deadline := time.Now().Add(readinessTimeout)
	for {
		inspect, err := b.cli.ContainerInspect(ctx, id)
		if err != nil {
			return nil, err
		}
		if inspect.State != nil && inspect.State.Dead {
			return nil, fmt.Errorf("container %s died during startup", id)
		}
		if inspect.State != nil && inspect.State.Running {
			bindings, complete := inspectedPorts(inspect)
			if complete {
				return bindings, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("container %s not ready after %s", id, readinessTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readinessPoll):
		}
	}
}

// inspectedPorts extracts container→host port bindings from an inspect
// response. complete is false while the engine has not yet published
// every exposed port.
func inspectedPorts(inspect types.ContainerJSON) (map[int]int, bool) {
	bindings := make(map[int]int)
	if inspect.NetworkSettings == nil {
		return bindings, len(inspect.Config.ExposedPorts) == 0
	}
	for port, hostBindings := range inspect.NetworkSettings.Ports {
		if len(hostBindings) == 0 {
			return nil, false
		}
		hostPort, err := strconv.Atoi(hostBindings[0].HostPort)
		if err != nil {
			return nil, false
		}
		bindings[port.Int()] = hostPort
	}
	return bindings, len(bindings) == len(inspect.Config.ExposedPorts)
}

// publicPorts converts a list entry's port summaries to container→host
// bindings.
func publicPorts(c types.Container) map[int]int {
	bindings := make(map[int]int, len(c.Ports))
	for _, p := range c.Ports {
		if p.PublicPort != 0 {
			bindings[int(p.PrivatePort)] = int(p.PublicPort)
		}
	}
	return bindings
}

// rollback force-removes every container created during a failed start.
func (b *Backend) rollback(ctx context.Context, containers []proxy.Container) {
	for _, c := range containers {
		if c.ID == "" {
			continue
		}
		if err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			log.Warn(log.CatBackend, "rollback of container failed", "containerID", c.ID, "error", err)
		}
	}
}

func (b *Backend) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := b.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
