package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTunnel() TunnelConfig {
	return TunnelConfig{
		Port:      3000,
		Subdomain: "api",
		Zone:      "example.com",
		Protocol:  "http",
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := Path(t.TempDir())

	want := NewGlobalConfig()
	want.APIToken = "test-token"
	want.DefaultZone = "example.com"
	want.Tunnels["api"] = testTunnel()
	want.Tunnels["web"] = TunnelConfig{
		Port:      8443,
		Subdomain: "web",
		Zone:      "example.com",
		Protocol:  "https",
		LastState: StateRunning,
		TunnelID:  "f70116a6-8e33-4cb2-a4ec-b875bb00b293",
	}

	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfigFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix file modes on windows")
	}
	path := Path(t.TempDir())
	require.NoError(t, Write(path, NewGlobalConfig()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReadMissingFileReturnsEmptyConfig(t *testing.T) {
	got, err := Read(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.Empty(t, got.Tunnels)
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 2, "tunnels": {}}`), 0600))

	_, err := Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 2")
}

func TestReadStripsUnknownTopLevelFields(t *testing.T) {
	path := Path(t.TempDir())
	raw := `{"version": 1, "tunnels": {}, "futureFeature": {"a": 1}, "color": "red"}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	got, err := Read(path)
	require.NoError(t, err)

	require.NoError(t, Write(path, got))
	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(rewritten), "futureFeature")
	assert.NotContains(t, string(rewritten), "color")
}

func TestReadRejectsMalformedJSON(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1,`), 0600))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestTunnelConfigValidate(t *testing.T) {
	valid := testTunnel()
	assert.NoError(t, valid.Validate())

	badPort := valid
	badPort.Port = 0
	assert.Error(t, badPort.Validate())

	badSubdomain := valid
	badSubdomain.Subdomain = "Not-Valid-"
	assert.Error(t, badSubdomain.Validate())

	badZone := valid
	badZone.Zone = "localhost"
	assert.Error(t, badZone.Validate())

	badProtocol := valid
	badProtocol.Protocol = "tcp"
	assert.Error(t, badProtocol.Validate())
}

func TestGlobalConfigValidateChecksTunnelNames(t *testing.T) {
	config := NewGlobalConfig()
	config.Tunnels["Bad Name"] = testTunnel()
	assert.Error(t, config.Validate())
}

func TestHostname(t *testing.T) {
	tunnel := testTunnel()
	assert.Equal(t, "api.example.com", tunnel.Hostname())
}
