//go:build !windows

package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	events chan string
}

func (n *mockNotifier) WatcherItemDidChange(path string) {
	n.events <- path
}

func (n *mockNotifier) WatcherDidError(err error) {
}

func waitForEvent(t *testing.T, n *mockNotifier) string {
	t.Helper()
	select {
	case path := <-n.events:
		return path
	case <-time.After(2 * time.Second):
		t.Fatal("notifier didn't get a file change event")
		return ""
	}
}

func TestFileChanged(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0600))

	service, err := NewFile()
	require.NoError(t, err)

	err = service.Add(filePath)
	require.NoError(t, err)

	n := &mockNotifier{events: make(chan string, 8)}
	go service.Start(n)
	defer service.Shutdown()

	require.NoError(t, os.WriteFile(filePath, []byte(`{"changed":true}`), 0600))

	assert.Equal(t, filePath, waitForEvent(t, n))
}

func TestFileReplacedByRename(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0600))

	service, err := NewFile()
	require.NoError(t, err)

	err = service.Add(filePath)
	require.NoError(t, err)

	n := &mockNotifier{events: make(chan string, 8)}
	go service.Start(n)
	defer service.Shutdown()

	// Replace the file the way the config store does, with a temp file renamed
	// over the original.
	tmpPath := filepath.Join(dir, "config.json.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte(`{"changed":true}`), 0600))
	require.NoError(t, os.Rename(tmpPath, filePath))

	assert.Equal(t, filePath, waitForEvent(t, n))
}

func TestUnrelatedFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0600))

	service, err := NewFile()
	require.NoError(t, err)

	err = service.Add(filePath)
	require.NoError(t, err)

	n := &mockNotifier{events: make(chan string, 8)}
	go service.Start(n)
	defer service.Shutdown()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0600))

	select {
	case path := <-n.events:
		t.Fatalf("unexpected event for %s", path)
	case <-time.After(100 * time.Millisecond):
	}
}
