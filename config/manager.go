package config

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tuinnel/tuinnel/watcher"
)

// Notifier sends out config updates
type Notifier interface {
	ConfigDidUpdate(GlobalConfig)
}

// Manager is the base functions of the config manager
type Manager interface {
	Start(Notifier) error
	Shutdown()
}

// FileManager watches the json config for changes made outside this process
// and sends updates to the service to reconfigure to match the updated config.
type FileManager struct {
	watcher    watcher.Notifier
	notifier   Notifier
	configPath string
	log        *zerolog.Logger
	ReadConfig func(string) (GlobalConfig, error)

	mu           sync.Mutex
	suppressHash string
}

// NewFileManager creates a config manager
func NewFileManager(watcher watcher.Notifier, configPath string, log *zerolog.Logger) (*FileManager, error) {
	m := &FileManager{
		watcher:    watcher,
		configPath: configPath,
		log:        log,
		ReadConfig: Read,
	}
	err := watcher.Add(configPath)
	return m, err
}

// Start starts the runloop to watch for config changes
func (m *FileManager) Start(notifier Notifier) error {
	m.notifier = notifier

	// update the notifier with a fresh config on start
	config, err := m.GetConfig()
	if err != nil {
		return err
	}
	notifier.ConfigDidUpdate(config)

	go m.watcher.Start(m)
	return nil
}

// GetConfig reads the config file from the disk
func (m *FileManager) GetConfig() (GlobalConfig, error) {
	return m.ReadConfig(m.configPath)
}

// WriteConfig persists config, marking the content as this process's own
// write so the watcher does not loop it back as an external change.
func (m *FileManager) WriteConfig(config GlobalConfig) error {
	m.SuppressNext(config)
	return Write(m.configPath, config)
}

// Shutdown stops the watcher
func (m *FileManager) Shutdown() {
	m.watcher.Shutdown()
}

// SuppressNext records the content this process is about to write itself, so
// the watcher event it produces is not reported back as an external change.
func (m *FileManager) SuppressNext(config GlobalConfig) {
	hash, err := config.Hash()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.suppressHash = hash
	m.mu.Unlock()
}

func (m *FileManager) isSuppressed(config GlobalConfig) bool {
	hash, err := config.Hash()
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suppressHash != "" && m.suppressHash == hash {
		m.suppressHash = ""
		return true
	}
	return false
}

// File change notifications from the watcher

// WatcherItemDidChange triggers when the config file is updated
// sends the updated config to the service to reload its state
func (m *FileManager) WatcherItemDidChange(filepath string) {
	config, err := m.GetConfig()
	if err != nil {
		m.log.Err(err).Msg("Failed to read new config")
		return
	}
	if m.isSuppressed(config) {
		m.log.Debug().Msg("Ignoring config change made by this process")
		return
	}
	m.log.Info().Msg("Config file has been updated")
	m.notifier.ConfigDidUpdate(config)
}

// WatcherDidError notifies of errors with the file watcher
func (m *FileManager) WatcherDidError(err error) {
	m.log.Err(err).Msg("Config watcher encountered an error")
}
