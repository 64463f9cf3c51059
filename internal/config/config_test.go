package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portside-io/portside/internal/params"
)

const validSpecs = `
specs:
  - id: demo
    display-name: Demo App
    containers:
      - image: demo:latest
        port-mappings:
          - name: default
            port: 8080
    parameters:
      definitions:
        - id: env
          display-name: Environment
      value-sets:
        - env: [dev, prod]
  - id: plain
    containers:
      - image: plain:latest
`

func writeSpecs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSpecs_Valid(t *testing.T) {
	store, err := LoadSpecs(writeSpecs(t, validSpecs))
	require.NoError(t, err)

	sp, err := store.GetSpec("demo")
	require.NoError(t, err)
	require.Equal(t, "Demo App", sp.DisplayName)

	all := store.AllSpecs()
	require.Len(t, all, 2)
	require.Equal(t, "demo", all[0].ID)
	require.Equal(t, "plain", all[1].ID)
}

func TestLoadSpecs_UnknownID(t *testing.T) {
	store, err := LoadSpecs(writeSpecs(t, validSpecs))
	require.NoError(t, err)
	_, err = store.GetSpec("nope")
	require.Error(t, err)
}

func TestLoadSpecs_InvalidParameterIDIsFatal(t *testing.T) {
	bad := `
specs:
  - id: demo
    containers:
      - image: demo:latest
    parameters:
      definitions:
        - id: "bad id!"
      value-sets:
        - "bad id!": [x]
`
	_, err := LoadSpecs(writeSpecs(t, bad))
	var cfgErr *params.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadSpecs_MissingContainers(t *testing.T) {
	_, err := LoadSpecs(writeSpecs(t, "specs:\n  - id: demo\n"))
	require.Error(t, err)
}

func TestLoadSpecs_DuplicateSpecID(t *testing.T) {
	dup := `
specs:
  - id: demo
    containers:
      - image: a:latest
  - id: demo
    containers:
      - image: b:latest
`
	_, err := LoadSpecs(writeSpecs(t, dup))
	require.ErrorContains(t, err, "duplicate spec id")
}

func TestReload_KeepsOldSpecsOnFailure(t *testing.T) {
	path := writeSpecs(t, validSpecs)
	store, err := LoadSpecs(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("specs: ["), 0644))
	require.Error(t, store.Reload())

	// The previously loaded specs still serve.
	sp, err := store.GetSpec("demo")
	require.NoError(t, err)
	require.Equal(t, "demo", sp.ID)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "docker", cfg.Backend.Type)
	require.Equal(t, "memory", cfg.Store.Type)
	require.Equal(t, 8, cfg.Lifecycle.MaxConcurrentOps)
	require.NotEmpty(t, cfg.Realm)
}
