// Package spec defines the immutable proxy templates that instances are
// launched from. Specs are owned by configuration and read-only to the
// rest of the system.
package spec

import "fmt"

// ParameterDefinition declares one launch-time parameter of a spec.
type ParameterDefinition struct {
	ID          string `yaml:"id" mapstructure:"id"`
	DisplayName string `yaml:"display-name" mapstructure:"display-name"`
	Description string `yaml:"description" mapstructure:"description"`
}

// ValueSet maps every declared parameter id to a non-empty list of
// distinct allowed values. A value set may not reference ids outside the
// declared set and may not omit any.
type ValueSet map[string][]string

// Parameters declares the launch-time choices of a spec: the ordered
// parameter definitions plus the ordered list of jointly-legal value sets.
type Parameters struct {
	Definitions []ParameterDefinition `yaml:"definitions" mapstructure:"definitions"`
	ValueSets   []ValueSet            `yaml:"value-sets" mapstructure:"value-sets"`
}

// IDs returns the declared parameter ids in declaration order.
func (p *Parameters) IDs() []string {
	ids := make([]string, 0, len(p.Definitions))
	for _, d := range p.Definitions {
		ids = append(ids, d.ID)
	}
	return ids
}

// PortMapping declares one exposed endpoint of a container. Name becomes
// the path segment in the routing table, Port is the container port the
// proxied traffic is forwarded to.
type PortMapping struct {
	Name string `yaml:"name" mapstructure:"name"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// ContainerSpec describes one backend-managed unit of a proxy.
// A spec may declare several (e.g. a main app plus sidecars).
type ContainerSpec struct {
	Image        string            `yaml:"image" mapstructure:"image"`
	Cmd          []string          `yaml:"cmd" mapstructure:"cmd"`
	Env          map[string]string `yaml:"env" mapstructure:"env"`
	Network      string            `yaml:"network" mapstructure:"network"`
	PortMappings []PortMapping     `yaml:"port-mappings" mapstructure:"port-mappings"`
}

// ProxySpec is the immutable template a proxy instance is created from.
type ProxySpec struct {
	ID          string          `yaml:"id" mapstructure:"id"`
	DisplayName string          `yaml:"display-name" mapstructure:"display-name"`
	Description string          `yaml:"description" mapstructure:"description"`
	Containers  []ContainerSpec `yaml:"containers" mapstructure:"containers"`
	Parameters  *Parameters     `yaml:"parameters" mapstructure:"parameters"`

	// Extensions holds backend-specific extension values keyed by
	// extension id. Opaque to the core; see extension.go.
	Extensions map[string]Extension `yaml:"-" mapstructure:"-"`
}

// Validate checks the structural fields of a spec. Parameter blocks are
// validated separately by the params package.
func (s *ProxySpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("spec is missing an id")
	}
	if len(s.Containers) == 0 {
		return fmt.Errorf("spec %q declares no containers", s.ID)
	}
	for i, c := range s.Containers {
		if c.Image == "" {
			return fmt.Errorf("spec %q: container %d has no image", s.ID, i)
		}
		seen := make(map[string]struct{}, len(c.PortMappings))
		for _, pm := range c.PortMappings {
			if pm.Name == "" {
				return fmt.Errorf("spec %q: container %d has a port mapping without a name", s.ID, i)
			}
			if pm.Port <= 0 || pm.Port > 65535 {
				return fmt.Errorf("spec %q: port mapping %q has invalid port %d", s.ID, pm.Name, pm.Port)
			}
			if _, dup := seen[pm.Name]; dup {
				return fmt.Errorf("spec %q: duplicate port mapping name %q", s.ID, pm.Name)
			}
			seen[pm.Name] = struct{}{}
		}
	}
	return nil
}
