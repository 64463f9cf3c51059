// Package params validates declared launch-time parameters and compiles
// them into a compact allowed-combination table. All functions are pure
// and safe for unbounded concurrent use.
package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/portside-io/portside/internal/spec"
)

var parameterIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]*$`)

// ProvidedParameters is the user-submitted parameter choice supplied with
// a start request.
type ProvidedParameters map[string]string

// ConfigError reports an invalid parameter declaration at load time.
// The service refuses to become ready on a ConfigError.
type ConfigError struct {
	SpecID string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in parameters of spec %q: %s", e.SpecID, e.Reason)
}

// InvalidParametersError reports a request whose provided parameters do
// not match any declared value set. The request is rejected before it
// reaches the backend.
type InvalidParametersError struct {
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return "invalid parameters: " + e.Reason
}

// ValueCode is one (stable integer code, value) entry of a compiled
// per-parameter catalogue.
type ValueCode struct {
	Code  int
	Value string
}

// AllowedParameters is the compiled output consumed by clients: per
// parameter id an ordered catalogue of codes, plus the deduplicated set
// of allowed code tuples (tuple order = parameter declaration order).
type AllowedParameters struct {
	Values       map[string][]ValueCode
	Combinations [][]int
}

// ValidateSpec checks a spec's parameter declarations. Called once per
// spec at configuration load; any violation is fatal.
func ValidateSpec(s *spec.ProxySpec) error {
	if s.Parameters == nil {
		return nil
	}
	p := s.Parameters

	seen := make(map[string]struct{}, len(p.Definitions))
	for _, def := range p.Definitions {
		if def.ID == "" {
			return &ConfigError{SpecID: s.ID, Reason: "id of parameter may not be empty"}
		}
		if _, dup := seen[def.ID]; dup {
			return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("duplicate parameter id %q", def.ID)}
		}
		if !parameterIDPattern.MatchString(def.ID) {
			return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("parameter id %q is invalid, only letters, numbers, dash and underscore are allowed", def.ID)}
		}
		seen[def.ID] = struct{}{}
		if def.DisplayName != "" && strings.TrimSpace(def.DisplayName) == "" {
			return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("display name of parameter %q may not be blank", def.ID)}
		}
		if def.Description != "" && strings.TrimSpace(def.Description) == "" {
			return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("description of parameter %q may not be blank", def.ID)}
		}
	}

	ids := p.IDs()
	for setIdx, valueSet := range p.ValueSets {
		for _, id := range ids {
			values, ok := valueSet[id]
			if !ok || len(values) == 0 {
				return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("value set %d is missing values for parameter %q", setIdx, id)}
			}
			distinct := make(map[string]struct{}, len(values))
			for _, v := range values {
				distinct[v] = struct{}{}
			}
			if len(distinct) != len(values) {
				return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("value set %d contains duplicate values for parameter %q", setIdx, id)}
			}
		}
		if len(valueSet) != len(ids) {
			return &ConfigError{SpecID: s.ID, Reason: fmt.Sprintf("value set %d contains values for more parameters than are defined", setIdx)}
		}
	}
	return nil
}

// ValidateRequest checks a user's parameter choice against a resolved
// spec. Returns false with a nil error when the spec declares no
// parameters (nothing to validate), true when at least one value set
// allows the combination, and an InvalidParametersError otherwise.
func ValidateRequest(s *spec.ProxySpec, provided ProvidedParameters) (bool, error) {
	p := s.Parameters
	if p == nil {
		return false, nil
	}

	ids := p.IDs()
	if len(provided) != len(ids) {
		return false, &InvalidParametersError{Reason: "invalid number of parameters provided"}
	}
	for _, id := range ids {
		if _, ok := provided[id]; !ok {
			return false, &InvalidParametersError{Reason: fmt.Sprintf("missing value for parameter %q", id)}
		}
	}

	for _, valueSet := range p.ValueSets {
		if allowedByValueSet(valueSet, provided) {
			return true, nil
		}
	}
	return false, &InvalidParametersError{Reason: "provided parameter values are not allowed"}
}

// allowedByValueSet reports whether every provided value is contained in
// the value set's list for its parameter.
func allowedByValueSet(valueSet spec.ValueSet, provided ProvidedParameters) bool {
	for id, values := range valueSet {
		chosen := provided[id]
		found := false
		for _, v := range values {
			if v == chosen {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AllowedForUser compiles the spec's value sets into per-parameter code
// catalogues and the deduplicated set of allowed code tuples. A given
// (parameter id, value) pair receives the same code everywhere it
// appears; codes are assigned 1..n per parameter in first-seen order
// across value sets.
func AllowedForUser(s *spec.ProxySpec) AllowedParameters {
	p := s.Parameters
	if p == nil {
		return AllowedParameters{Values: map[string][]ValueCode{}, Combinations: [][]int{}}
	}
	ids := p.IDs()

	// Phase 1: assign codes in first-seen order, per parameter.
	codes := make(map[string]map[string]int, len(ids))
	values := make(map[string][]ValueCode, len(ids))
	for _, id := range ids {
		codes[id] = make(map[string]int)
		values[id] = []ValueCode{}
	}
	for _, valueSet := range p.ValueSets {
		for _, id := range ids {
			for _, v := range valueSet[id] {
				if _, known := codes[id][v]; !known {
					code := len(codes[id]) + 1
					codes[id][v] = code
					values[id] = append(values[id], ValueCode{Code: code, Value: v})
				}
			}
		}
	}

	// Phase 2: per value set, the Cartesian product of its allowed codes
	// in declaration order; union across sets, deduplicated.
	seen := make(map[string]struct{})
	var combinations [][]int
	for _, valueSet := range p.ValueSets {
		for _, combo := range combinationsForValueSet(ids, valueSet, codes) {
			key := comboKey(combo)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			combinations = append(combinations, combo)
		}
	}
	if combinations == nil {
		combinations = [][]int{}
	}

	return AllowedParameters{Values: values, Combinations: combinations}
}

// combinationsForValueSet expands one value set into every code tuple it
// allows, in fixed parameter declaration order.
func combinationsForValueSet(ids []string, valueSet spec.ValueSet, codes map[string]map[string]int) [][]int {
	combos := [][]int{{}}
	for _, id := range ids {
		next := make([][]int, 0, len(combos)*len(valueSet[id]))
		for _, v := range valueSet[id] {
			code := codes[id][v]
			for _, prefix := range combos {
				combo := make([]int, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, code))
			}
		}
		combos = next
	}
	return combos
}

func comboKey(combo []int) string {
	var b strings.Builder
	for i, c := range combo {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
	}
	return b.String()
}
