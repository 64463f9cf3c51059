// Package config provides configuration types, defaults and spec file
// loading for portside.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/params"
	"github.com/portside-io/portside/internal/spec"
	"github.com/portside-io/portside/internal/tracing"
)

// Config holds all configuration options for the service.
type Config struct {
	// SpecsFile is the YAML file declaring the available proxy specs.
	SpecsFile string `mapstructure:"specs_file"`

	// Realm namespaces records when several deployments share a store.
	Realm string `mapstructure:"realm"`

	Backend   BackendConfig   `mapstructure:"backend"`
	Store     StoreConfig     `mapstructure:"store"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// BackendConfig selects and configures the container backend.
type BackendConfig struct {
	// Type names the backend; "docker" is the only built-in.
	Type string `mapstructure:"type"`

	// TargetHost is the address advertised in routing targets.
	TargetHost string `mapstructure:"target_host"`
}

// StoreConfig selects the active-proxy store.
type StoreConfig struct {
	// Type is "memory" (single process) or "sqlite" (shared file).
	Type string `mapstructure:"type"`

	// Path is the sqlite database file, for type "sqlite".
	Path string `mapstructure:"path"`
}

// LifecycleConfig tunes the lifecycle service.
type LifecycleConfig struct {
	// MaxConcurrentOps bounds backend calls in flight at once.
	MaxConcurrentOps int `mapstructure:"max_concurrent_ops"`

	// RecoverOnStartup scans the backend for surviving containers at boot.
	RecoverOnStartup bool `mapstructure:"recover_on_startup"`
}

// RegistryConfig tunes the active-proxy registry.
type RegistryConfig struct {
	// RefreshIntervalSeconds is the period of the full-listing routing
	// refresh. Zero selects the default.
	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds"`
}

// LogConfig configures the structured log sink.
type LogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Level   string `mapstructure:"level"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		SpecsFile: "specs.yaml",
		Realm:     "default",
		Backend: BackendConfig{
			Type:       "docker",
			TargetHost: "127.0.0.1",
		},
		Store: StoreConfig{
			Type: "memory",
		},
		Lifecycle: LifecycleConfig{
			MaxConcurrentOps: 8,
			RecoverOnStartup: true,
		},
		Registry: RegistryConfig{
			RefreshIntervalSeconds: 30,
		},
		Log: LogConfig{
			Enabled: true,
			Path:    "portside.log",
			Level:   "info",
		},
	}
}

// specsFile is the YAML shape of the spec declarations file.
type specsFile struct {
	Specs []*spec.ProxySpec `yaml:"specs"`
}

// SpecStore holds the loaded proxy specs and supports atomic reload.
// Implements the lifecycle spec source.
type SpecStore struct {
	mu    sync.RWMutex
	path  string
	specs map[string]*spec.ProxySpec
	order []string
}

// LoadSpecs reads and validates the spec file. Validation failures are
// fatal at load time: the service must refuse to become ready on a bad
// spec rather than reject every start at runtime.
func LoadSpecs(path string) (*SpecStore, error) {
	s := &SpecStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the spec file. On any error the previously loaded
// specs stay in effect.
func (s *SpecStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}

	var file specsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing spec file %s: %w", s.path, err)
	}
	if len(file.Specs) == 0 {
		return fmt.Errorf("spec file %s declares no specs", s.path)
	}

	specs := make(map[string]*spec.ProxySpec, len(file.Specs))
	order := make([]string, 0, len(file.Specs))
	for _, sp := range file.Specs {
		if err := sp.Validate(); err != nil {
			return err
		}
		if err := params.ValidateSpec(sp); err != nil {
			return err
		}
		if _, dup := specs[sp.ID]; dup {
			return fmt.Errorf("duplicate spec id %q in %s", sp.ID, s.path)
		}
		specs[sp.ID] = sp
		order = append(order, sp.ID)
	}

	s.mu.Lock()
	s.specs = specs
	s.order = order
	s.mu.Unlock()
	log.Info(log.CatConfig, "specs loaded", "file", s.path, "count", len(specs))
	return nil
}

// GetSpec resolves a spec id.
func (s *SpecStore) GetSpec(id string) (*spec.ProxySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.specs[id]
	if !ok {
		return nil, fmt.Errorf("unknown spec %q", id)
	}
	return sp, nil
}

// AllSpecs returns the loaded specs in file order.
func (s *SpecStore) AllSpecs() []*spec.ProxySpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*spec.ProxySpec, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.specs[id])
	}
	return out
}
