package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuinnel/tuinnel/watcher"
)

type mockFileWatcher struct {
	path     string
	notifier watcher.Notification
	started  chan struct{}
}

func newMockFileWatcher() *mockFileWatcher {
	return &mockFileWatcher{started: make(chan struct{})}
}

func (w *mockFileWatcher) Start(n watcher.Notification) {
	w.notifier = n
	close(w.started)
}

func (w *mockFileWatcher) Add(path string) error {
	w.path = path
	return nil
}

func (w *mockFileWatcher) Shutdown() {}

func (w *mockFileWatcher) TriggerChange() {
	<-w.started
	w.notifier.WatcherItemDidChange(w.path)
}

type mockConfigNotifier struct {
	configs chan GlobalConfig
}

func newMockConfigNotifier() *mockConfigNotifier {
	return &mockConfigNotifier{configs: make(chan GlobalConfig, 8)}
}

func (n *mockConfigNotifier) ConfigDidUpdate(c GlobalConfig) {
	n.configs <- c
}

func TestFileManagerNotifiesOnStartAndChange(t *testing.T) {
	log := zerolog.Nop()
	fw := newMockFileWatcher()

	path := Path(t.TempDir())
	first := NewGlobalConfig()
	first.Tunnels["api"] = testTunnel()
	require.NoError(t, Write(path, first))

	manager, err := NewFileManager(fw, path, &log)
	require.NoError(t, err)
	assert.Equal(t, path, fw.path)

	n := newMockConfigNotifier()
	require.NoError(t, manager.Start(n))
	assert.Equal(t, first, <-n.configs)

	second := first
	second.Tunnels = map[string]TunnelConfig{"api": testTunnel(), "web": {
		Port: 8080, Subdomain: "web", Zone: "example.com", Protocol: "http",
	}}
	require.NoError(t, Write(path, second))
	fw.TriggerChange()
	assert.Equal(t, second, <-n.configs)
}

func TestFileManagerSuppressesOwnWrites(t *testing.T) {
	log := zerolog.Nop()
	fw := newMockFileWatcher()

	path := Path(t.TempDir())
	first := NewGlobalConfig()
	require.NoError(t, Write(path, first))

	manager, err := NewFileManager(fw, path, &log)
	require.NoError(t, err)

	n := newMockConfigNotifier()
	require.NoError(t, manager.Start(n))
	<-n.configs

	// a write made through this process is announced ahead of time and the
	// resulting event swallowed
	own := first
	own.DefaultZone = "example.com"
	manager.SuppressNext(own)
	require.NoError(t, Write(path, own))
	fw.TriggerChange()

	select {
	case c := <-n.configs:
		t.Fatalf("self write should not notify, got %+v", c)
	default:
	}

	// the next external change still notifies
	external := own
	external.DefaultZone = "other.org"
	require.NoError(t, Write(path, external))
	fw.TriggerChange()
	assert.Equal(t, external, <-n.configs)
}
