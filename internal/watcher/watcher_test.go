package watcher_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portside-io/portside/internal/watcher"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("specs: []"), 0644))
}

func TestWatcher_DebouncesWriteBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.yaml")
	writeFile(t, path)

	w, err := watcher.New(watcher.Config{Path: path, Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	changes, err := w.Start()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		writeFile(t, path)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}

	// The burst collapses to a single notification.
	select {
	case <-changes:
		t.Fatal("expected no second notification")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.yaml")
	writeFile(t, path)

	w, err := watcher.New(watcher.Config{Path: path, Debounce: 30 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	changes, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))

	select {
	case <-changes:
		t.Fatal("unrelated file must not trigger a notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.yaml")
	writeFile(t, path)

	w, err := watcher.New(watcher.Config{Path: path})
	require.NoError(t, err)
	_, err = w.Start()
	require.NoError(t, err)
	require.NoError(t, w.Stop())
}
