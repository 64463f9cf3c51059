package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/portside-io/portside/internal/backend"
	"github.com/portside-io/portside/internal/params"
	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/registry"
	"github.com/portside-io/portside/internal/routing"
	"github.com/portside-io/portside/internal/spec"
)

// mockBackend is a testify mock of the container backend.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockBackend) StartProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec, startupLog *proxy.StartupLogBuilder) (*proxy.Proxy, error) {
	args := m.Called(ctx, userID, p, s, startupLog)
	if fn, ok := args.Get(0).(func(context.Context, string, *proxy.Proxy, *spec.ProxySpec, *proxy.StartupLogBuilder) (*proxy.Proxy, error)); ok {
		return fn(ctx, userID, p, s, startupLog)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*proxy.Proxy), args.Error(1)
}

func (m *mockBackend) StopProxy(ctx context.Context, p *proxy.Proxy) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockBackend) PauseProxy(ctx context.Context, p *proxy.Proxy) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockBackend) ResumeProxy(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec) (*proxy.Proxy, error) {
	args := m.Called(ctx, userID, p, s)
	if fn, ok := args.Get(0).(func(context.Context, string, *proxy.Proxy, *spec.ProxySpec) (*proxy.Proxy, error)); ok {
		return fn(ctx, userID, p, s)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*proxy.Proxy), args.Error(1)
}

func (m *mockBackend) SupportsPause() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockBackend) GetOutputAttacher(p *proxy.Proxy) backend.OutputAttacher {
	args := m.Called(p)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(backend.OutputAttacher)
}

func (m *mockBackend) ScanExistingContainers(ctx context.Context) ([]proxy.ExistingContainerInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]proxy.ExistingContainerInfo), args.Error(1)
}

func (m *mockBackend) SetupPortMappingExistingProxy(ctx context.Context, p *proxy.Proxy, c proxy.Container, portBindings map[int]int, serviceName string) (proxy.Container, error) {
	args := m.Called(ctx, p, c, portBindings, serviceName)
	if fn, ok := args.Get(0).(func(context.Context, *proxy.Proxy, proxy.Container, map[int]int, string) (proxy.Container, error)); ok {
		return fn(ctx, p, c, portBindings, serviceName)
	}
	return args.Get(0).(proxy.Container), args.Error(1)
}

// staticSpecs is a SpecSource over a fixed map.
type staticSpecs map[string]*spec.ProxySpec

func (s staticSpecs) GetSpec(id string) (*spec.ProxySpec, error) {
	sp, ok := s[id]
	if !ok {
		return nil, errors.New("unknown spec " + id)
	}
	return sp, nil
}

type fixture struct {
	backend  *mockBackend
	table    *routing.MemoryTable
	registry *registry.ActiveProxies
	service  *Service
}

func newFixture(t *testing.T, specs staticSpecs) *fixture {
	t.Helper()
	b := &mockBackend{}
	table := routing.NewMemoryTable()
	r := registry.New(registry.NewMemoryStore(), table)
	return &fixture{
		backend:  b,
		table:    table,
		registry: r,
		service:  New(b, r, specs, Config{}),
	}
}

func demoSpec() *spec.ProxySpec {
	return &spec.ProxySpec{
		ID: "demo",
		Containers: []spec.ContainerSpec{{
			Image:        "demo:latest",
			PortMappings: []spec.PortMapping{{Name: "default", Port: 8080}},
		}},
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestStartProxy_Success(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	// Build the started proxy from the one handed in, as a real backend does.
	f.backend.On("StartProxy", mock.Anything, "alice", mock.Anything, mock.Anything, mock.Anything).
		Return(func(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec, lb *proxy.StartupLogBuilder) (*proxy.Proxy, error) {
			started := p.Clone()
			started.Status = proxy.StatusUp
			started.Targets = map[string]*url.URL{started.ID: mustURL(t, "http://127.0.0.1:30001")}
			return started, nil
		}, nil)

	started, err := f.service.StartProxy(context.Background(), "alice", "demo", nil)
	require.NoError(t, err)
	require.Equal(t, proxy.StatusUp, started.Status)
	require.NotEmpty(t, started.ID)

	stored, err := f.registry.GetProxy(context.Background(), started.ID)
	require.NoError(t, err)
	require.Equal(t, proxy.StatusUp, stored.Status)

	target, ok := f.table.Lookup(started.ID)
	require.True(t, ok)
	require.Equal(t, "http://127.0.0.1:30001", target.String())
}

func TestStartProxy_InvalidParametersRejectedBeforeBackend(t *testing.T) {
	withParams := demoSpec()
	withParams.Parameters = &spec.Parameters{
		Definitions: []spec.ParameterDefinition{{ID: "env"}},
		ValueSets:   []spec.ValueSet{{"env": {"dev"}}},
	}
	f := newFixture(t, staticSpecs{"demo": withParams})

	_, err := f.service.StartProxy(context.Background(), "alice", "demo", params.ProvidedParameters{"env": "prod"})
	var invalid *params.InvalidParametersError
	require.ErrorAs(t, err, &invalid)
	f.backend.AssertNotCalled(t, "StartProxy", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStartProxy_BackendFailureLeavesNothingRegistered(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	f.backend.On("StartProxy", mock.Anything, "alice", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &backend.StartupFailedError{ProxyID: "x", Diagnostic: "image pull failed"})

	_, err := f.service.StartProxy(context.Background(), "alice", "demo", nil)
	var failed *backend.StartupFailedError
	require.ErrorAs(t, err, &failed)

	all, err := f.registry.GetAllProxies(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
	require.Equal(t, 0, f.table.Len())
}

func TestStopProxy_RetractsRoutesBeforeBackendAndRemoves(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{
		ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusUp,
		Targets: map[string]*url.URL{"p1": mustURL(t, "http://127.0.0.1:30001")},
	}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	f.backend.On("StopProxy", mock.Anything, mock.Anything).
		Return(nil).Run(func(args mock.Arguments) {
		// Routing must already be withdrawn when the backend is invoked.
		require.Equal(t, 0, f.table.Len())
	})

	require.NoError(t, f.service.StopProxy(context.Background(), "p1"))

	_, err := f.registry.GetProxy(context.Background(), "p1")
	require.ErrorIs(t, err, ErrProxyNotFound)
	f.backend.AssertExpectations(t)
}

func TestStopProxy_BackendErrorStillRemovesRecord(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusUp}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	teardownErr := errors.New("engine unreachable")
	f.backend.On("StopProxy", mock.Anything, mock.Anything).Return(teardownErr)

	err := f.service.StopProxy(context.Background(), "p1")
	require.ErrorIs(t, err, teardownErr)

	// The record is gone regardless: an orphaned entry must never block
	// the id.
	_, err = f.registry.GetProxy(context.Background(), "p1")
	require.ErrorIs(t, err, ErrProxyNotFound)
}

func TestStopProxy_UnknownID(t *testing.T) {
	f := newFixture(t, staticSpecs{})
	err := f.service.StopProxy(context.Background(), "nope")
	require.ErrorIs(t, err, ErrProxyNotFound)
}

func TestPauseProxy_Unsupported(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})
	f.backend.On("SupportsPause").Return(false)

	err := f.service.PauseProxy(context.Background(), "p1")
	require.ErrorIs(t, err, backend.ErrUnsupportedOperation)
	f.backend.AssertNotCalled(t, "PauseProxy", mock.Anything, mock.Anything)
}

// resumeFromContainerState mirrors the Docker backend's resume: the
// incoming record has no targets (pause cleared them), so the mapping is
// rebuilt from the container's recorded bindings, never copied from the
// record.
func resumeFromContainerState(t *testing.T, pathSegment string) func(context.Context, string, *proxy.Proxy, *spec.ProxySpec) (*proxy.Proxy, error) {
	return func(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec) (*proxy.Proxy, error) {
		resumed := p.Clone()
		resumed.Status = proxy.StatusUp
		resumed.Targets = make(map[string]*url.URL)
		for _, c := range resumed.Containers {
			for _, hostPort := range c.PortBindings {
				resumed.Targets[pathSegment] = mustURL(t, fmt.Sprintf("http://127.0.0.1:%d", hostPort))
			}
		}
		return resumed, nil
	}
}

func TestPauseThenResume(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{
		ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusUp,
		Containers: []proxy.Container{{
			Index: 0, ID: "c1", PortBindings: map[int]int{8080: 30001},
		}},
		Targets: map[string]*url.URL{"p1": mustURL(t, "http://127.0.0.1:30001")},
	}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	f.backend.On("SupportsPause").Return(true)
	f.backend.On("PauseProxy", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.PauseProxy(context.Background(), "p1"))
	require.Equal(t, 0, f.table.Len())

	paused, err := f.registry.GetProxy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, proxy.StatusPaused, paused.Status)
	require.Empty(t, paused.Targets)

	f.backend.On("ResumeProxy", mock.Anything, "alice", mock.Anything, mock.Anything).
		Return(resumeFromContainerState(t, "p1"), nil)

	resumed, err := f.service.ResumeProxy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, proxy.StatusUp, resumed.Status)
	require.NotEmpty(t, resumed.Targets)

	// The route is back after the full pause cycle.
	target, ok := f.table.Lookup("p1")
	require.True(t, ok)
	require.Equal(t, "http://127.0.0.1:30001", target.String())
}

// phasedExtension resolves its value through both passes; the late pass
// sees the runtime identifiers assigned at start.
type phasedExtension struct {
	id    string
	value string
}

func (e phasedExtension) ExtensionID() string { return e.id }

func (e phasedExtension) ResolveEarly(r spec.Resolver, ctx spec.ResolveContext) (spec.Extension, error) {
	v, err := r.Resolve(ctx, e.value)
	if err != nil {
		return nil, err
	}
	return phasedExtension{id: e.id, value: v}, nil
}

func (e phasedExtension) ResolveLate(r spec.Resolver, ctx spec.ResolveContext) (spec.Extension, error) {
	v, err := r.Resolve(ctx, e.value)
	if err != nil {
		return nil, err
	}
	return phasedExtension{id: e.id, value: v}, nil
}

// runtimeResolver substitutes the assigned proxy id once it is known.
type runtimeResolver struct{}

func (runtimeResolver) Resolve(ctx spec.ResolveContext, value string) (string, error) {
	if id, ok := ctx.Runtime["proxyId"]; ok {
		return value + "@" + id, nil
	}
	return value, nil
}

func TestResumeProxy_ReceivesRuntimeResolvedSpec(t *testing.T) {
	withExt := demoSpec()
	withExt.Extensions = map[string]spec.Extension{
		"svc": phasedExtension{id: "svc", value: "endpoint"},
	}
	specs := staticSpecs{"demo": withExt}

	f := newFixture(t, specs)
	f.service = New(f.backend, f.registry, specs, Config{Resolver: runtimeResolver{}})

	f.backend.On("StartProxy", mock.Anything, "alice", mock.Anything, mock.Anything, mock.Anything).
		Return(func(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec, lb *proxy.StartupLogBuilder) (*proxy.Proxy, error) {
			started := p.Clone()
			started.Status = proxy.StatusUp
			started.Containers = []proxy.Container{{Index: 0, ID: "c1", PortBindings: map[int]int{8080: 30001}}}
			started.Targets = map[string]*url.URL{started.ID: mustURL(t, "http://127.0.0.1:30001")}
			return started, nil
		}, nil)

	started, err := f.service.StartProxy(context.Background(), "alice", "demo", nil)
	require.NoError(t, err)

	f.backend.On("SupportsPause").Return(true)
	f.backend.On("PauseProxy", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.service.PauseProxy(context.Background(), started.ID))

	var resumeSpec *spec.ProxySpec
	f.backend.On("ResumeProxy", mock.Anything, "alice", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, userID string, p *proxy.Proxy, s *spec.ProxySpec) (*proxy.Proxy, error) {
			resumeSpec = s
			return resumeFromContainerState(t, started.ID)(ctx, userID, p, s)
		}, nil)

	_, err = f.service.ResumeProxy(context.Background(), started.ID)
	require.NoError(t, err)

	// The backend gets the template resolved through both passes, with the
	// runtime proxy id baked in, not the raw one from configuration.
	require.NotNil(t, resumeSpec)
	ext, ok := resumeSpec.Extensions["svc"].(phasedExtension)
	require.True(t, ok)
	require.Equal(t, "endpoint@"+started.ID, ext.value)

	// Stopping releases the captured template; a later resume for the same
	// id would fall back to the raw one.
	f.backend.On("StopProxy", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.service.StopProxy(context.Background(), started.ID))
}

func TestResumeProxy_FailureLeavesProxyPaused(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusPaused}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	f.backend.On("SupportsPause").Return(true)
	f.backend.On("ResumeProxy", mock.Anything, "alice", mock.Anything, mock.Anything).
		Return(nil, errors.New("unpause failed"))

	_, err := f.service.ResumeProxy(context.Background(), "p1")
	require.Error(t, err)

	still, err := f.registry.GetProxy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, proxy.StatusPaused, still.Status)
}

func TestAttachOutput_NilWhenUnsupported(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusUp}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	f.backend.On("GetOutputAttacher", mock.Anything).Return(nil)

	attacher, err := f.service.AttachOutput(context.Background(), "p1")
	require.NoError(t, err)
	require.Nil(t, attacher)
}

func TestAttachOutput_Streams(t *testing.T) {
	f := newFixture(t, staticSpecs{"demo": demoSpec()})

	p := &proxy.Proxy{ID: "p1", SpecID: "demo", UserID: "alice", Status: proxy.StatusUp}
	require.NoError(t, f.registry.AddProxy(context.Background(), p))

	f.backend.On("GetOutputAttacher", mock.Anything).Return(backend.OutputAttacher(func(stdout, stderr io.Writer) error {
		_, err := stdout.Write([]byte("hello"))
		return err
	}))

	attacher, err := f.service.AttachOutput(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, attacher)
}
