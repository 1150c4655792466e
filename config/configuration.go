package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/tuinnel/tuinnel/validation"
)

const (
	// CurrentVersion is the only config schema version this build understands.
	CurrentVersion = 1

	// DefaultConfigFile is the file name of the user configuration.
	DefaultConfigFile = "config.json"

	// DefaultUserConfigDir is the directory under $HOME holding all local state.
	DefaultUserConfigDir = "~/.tuinnel"

	dirPermMode  = 0700 // rwx------
	filePermMode = 0600 // rw-------
)

// Tunnel last-known desired states persisted in the config file.
const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// TunnelConfig is the persisted definition of one tunnel.
type TunnelConfig struct {
	Port      int    `json:"port"`
	Subdomain string `json:"subdomain"`
	Zone      string `json:"zone"`
	Protocol  string `json:"protocol"`
	LastState string `json:"lastState,omitempty"`
	TunnelID  string `json:"tunnelId,omitempty"`
}

// Hostname is the public hostname the tunnel serves.
func (t TunnelConfig) Hostname() string {
	return validation.JoinHostname(t.Subdomain, t.Zone)
}

func (t TunnelConfig) Validate() error {
	if err := validation.ValidatePort(t.Port); err != nil {
		return err
	}
	if err := validation.ValidateSubdomain(t.Subdomain); err != nil {
		return err
	}
	if _, err := validation.ValidateZone(t.Zone); err != nil {
		return err
	}
	if err := validation.ValidateProtocol(t.Protocol); err != nil {
		return err
	}
	return nil
}

// GlobalConfig is the root of the user configuration file.
// Unknown top-level fields are dropped on read.
type GlobalConfig struct {
	Version     int                     `json:"version"`
	APIToken    string                  `json:"apiToken,omitempty"`
	DefaultZone string                  `json:"defaultZone,omitempty"`
	Tunnels     map[string]TunnelConfig `json:"tunnels"`
}

// NewGlobalConfig returns an empty config at the current schema version.
func NewGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Version: CurrentVersion,
		Tunnels: make(map[string]TunnelConfig),
	}
}

func (c GlobalConfig) Validate() error {
	for name, tunnel := range c.Tunnels {
		if err := validation.ValidateTunnelName(name); err != nil {
			return errors.Wrapf(err, "tunnel %q", name)
		}
		if err := tunnel.Validate(); err != nil {
			return errors.Wrapf(err, "tunnel %q", name)
		}
	}
	return nil
}

// Hash identifies the serialized content, used to tell our own writes apart
// from external edits when watching the file.
func (c GlobalConfig) Hash() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// DefaultConfigDirectory returns the expanded per-user state directory.
func DefaultConfigDirectory() (string, error) {
	dir, err := homedir.Expand(DefaultUserConfigDir)
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	return dir, nil
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, DefaultConfigFile)
}

// Read loads the config file at path. A missing file yields a fresh empty
// config; an unknown schema version is fatal.
func Read(path string) (GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewGlobalConfig(), nil
		}
		return GlobalConfig{}, errors.Wrapf(err, "error reading config file at %s", path)
	}

	var config GlobalConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return GlobalConfig{}, errors.Wrapf(err, "error parsing JSON in config file at %s", path)
	}
	if config.Version != CurrentVersion {
		return GlobalConfig{}, fmt.Errorf("config file at %s has unsupported version %d, this build understands version %d", path, config.Version, CurrentVersion)
	}
	if config.Tunnels == nil {
		config.Tunnels = make(map[string]TunnelConfig)
	}
	return config, nil
}

// Write persists the config atomically: encode into a temp file in the same
// directory with mode 0600, then rename over the target.
func Write(path string, config GlobalConfig) error {
	config.Version = CurrentVersion

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermMode); err != nil {
		return errors.Wrapf(err, "cannot create config directory %s", dir)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode config")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, DefaultConfigFile+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "cannot create temp config file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePermMode); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot set config file mode")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write temp config file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temp config file")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "cannot replace config file at %s", path)
	}
	return nil
}
