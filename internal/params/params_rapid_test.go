package params

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/portside-io/portside/internal/spec"
)

// genParameters draws a random but structurally valid Parameters block.
func genParameters(r *rapid.T) *spec.Parameters {
	numParams := rapid.IntRange(1, 4).Draw(r, "numParams")
	defs := make([]spec.ParameterDefinition, numParams)
	ids := make([]string, numParams)
	for i := 0; i < numParams; i++ {
		id := rapid.StringMatching(`p[0-9]`).Draw(r, "id")
		// Regenerate until unique within the spec.
		for containsString(ids[:i], id) {
			id += "x"
		}
		ids[i] = id
		defs[i] = spec.ParameterDefinition{ID: id}
	}

	numSets := rapid.IntRange(1, 3).Draw(r, "numSets")
	sets := make([]spec.ValueSet, numSets)
	for s := 0; s < numSets; s++ {
		vs := make(spec.ValueSet, numParams)
		for _, id := range ids {
			numValues := rapid.IntRange(1, 3).Draw(r, "numValues")
			values := make([]string, 0, numValues)
			for len(values) < numValues {
				v := rapid.StringMatching(`v[0-9]`).Draw(r, "value")
				if !containsString(values, v) {
					values = append(values, v)
				}
			}
			vs[id] = values
		}
		sets[s] = vs
	}

	return &spec.Parameters{Definitions: defs, ValueSets: sets}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Codes per parameter are exactly 1..n in first-seen order, and every
// combination produced by the compaction is accepted by ValidateRequest.
func TestAllowedForUser_Properties(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		s := specWithParameters(genParameters(r))
		require.NoError(t, ValidateSpec(s))

		got := AllowedForUser(s)
		ids := s.Parameters.IDs()

		// Catalogue codes are gapless and strictly increasing from 1.
		for _, id := range ids {
			catalogue := got.Values[id]
			require.NotEmpty(t, catalogue)
			valuesSeen := make(map[string]struct{}, len(catalogue))
			for i, vc := range catalogue {
				require.Equal(t, i+1, vc.Code)
				_, dup := valuesSeen[vc.Value]
				require.False(t, dup, "value %q appears twice in catalogue of %q", vc.Value, id)
				valuesSeen[vc.Value] = struct{}{}
			}
		}

		// Combination tuples are unique and decodable, and each decoded
		// combination passes request validation.
		tupleSeen := make(map[string]struct{}, len(got.Combinations))
		for _, combo := range got.Combinations {
			require.Len(t, combo, len(ids))
			key := comboKey(combo)
			_, dup := tupleSeen[key]
			require.False(t, dup, "duplicate combination %v", combo)
			tupleSeen[key] = struct{}{}

			provided := make(ProvidedParameters, len(ids))
			for i, id := range ids {
				provided[id] = got.Values[id][combo[i]-1].Value
			}
			ok, err := ValidateRequest(s, provided)
			require.NoError(t, err)
			require.True(t, ok, "compiled combination %v rejected", combo)
		}
	})
}
