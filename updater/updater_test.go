package updater

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelease struct {
	tag    string
	body   string
	assets map[string][]byte
}

func serveRelease(t *testing.T, release *fakeRelease) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/releases/latest":
			assets := make([]releaseAsset, 0, len(release.assets))
			for name, content := range release.assets {
				assets = append(assets, releaseAsset{
					Name:               name,
					BrowserDownloadURL: server.URL + "/assets/" + name,
					Size:               int64(len(content)),
				})
			}
			payload := githubRelease{TagName: release.tag, Body: release.body, Assets: assets}
			require.NoError(t, json.NewEncoder(w).Encode(payload))
		case strings.HasPrefix(r.URL.Path, "/assets/"):
			content, ok := release.assets[strings.TrimPrefix(r.URL.Path, "/assets/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(content)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestUpdater(t *testing.T, server *httptest.Server, goos, goarch string) *Updater {
	t.Helper()
	log := zerolog.Nop()
	u := New(t.TempDir(), &log)
	u.releases.url = server.URL + "/releases/latest"
	u.goos = goos
	u.goarch = goarch
	return u
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

func tarball(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestAssetNames(t *testing.T) {
	for _, tc := range []struct {
		goos, goarch, want string
	}{
		{"darwin", "arm64", "cloudflared-darwin-arm64.tgz"},
		{"darwin", "amd64", "cloudflared-darwin-amd64.tgz"},
		{"linux", "arm64", "cloudflared-linux-arm64"},
		{"linux", "amd64", "cloudflared-linux-amd64"},
	} {
		name, err := AssetName(tc.goos, tc.goarch)
		require.NoError(t, err)
		assert.Equal(t, tc.want, name)
	}

	_, err := AssetName("windows", "amd64")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported platform")
}

func TestDownloadInstallsRawBinary(t *testing.T) {
	binary := []byte("#!/bin/sh\necho connector\n")
	server := serveRelease(t, &fakeRelease{
		tag:    "v2024.5.0",
		body:   "Checksums:\ncloudflared-linux-amd64: " + sha256Hex(binary) + "\n",
		assets: map[string][]byte{"cloudflared-linux-amd64": binary},
	})
	u := newTestUpdater(t, server, "linux", "amd64")

	var lastReceived, lastTotal int64
	u.OnProgress(func(received, total int64) { lastReceived, lastTotal = received, total })

	version, err := u.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024.5.0", version, "the tag's leading v is stripped")

	installed, err := os.ReadFile(u.BinaryPath())
	require.NoError(t, err)
	assert.Equal(t, binary, installed)

	info, err := os.Stat(u.BinaryPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	installedVersion, err := u.InstalledVersion()
	require.NoError(t, err)
	assert.Equal(t, "2024.5.0", installedVersion)

	assert.Equal(t, int64(len(binary)), lastReceived)
	assert.Equal(t, int64(len(binary)), lastTotal)
}

func TestDownloadExtractsDarwinTarball(t *testing.T) {
	binary := []byte("pretend mach-o binary")
	server := serveRelease(t, &fakeRelease{
		tag:    "v2024.5.0",
		assets: map[string][]byte{"cloudflared-darwin-arm64.tgz": tarball(t, "cloudflared", binary)},
	})
	u := newTestUpdater(t, server, "darwin", "arm64")

	_, err := u.Download(context.Background())
	require.NoError(t, err)

	installed, err := os.ReadFile(u.BinaryPath())
	require.NoError(t, err)
	assert.Equal(t, binary, installed)

	info, err := os.Stat(u.BinaryPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestChecksumMismatchWarnsButInstalls(t *testing.T) {
	binary := []byte("content the notes do not vouch for")
	server := serveRelease(t, &fakeRelease{
		tag:    "v2024.5.0",
		body:   "sha256: " + strings.Repeat("0", 64),
		assets: map[string][]byte{"cloudflared-linux-amd64": binary},
	})

	var logBuf bytes.Buffer
	log := zerolog.New(&logBuf)
	u := New(t.TempDir(), &log)
	u.releases.url = server.URL + "/releases/latest"
	u.goos, u.goarch = "linux", "amd64"

	_, err := u.Download(context.Background())
	require.NoError(t, err, "a checksum mismatch must not abort the install")
	assert.Contains(t, logBuf.String(), "checksum")

	_, err = os.Stat(u.BinaryPath())
	require.NoError(t, err)
}

func TestDownloadFailsWithoutPlatformAsset(t *testing.T) {
	server := serveRelease(t, &fakeRelease{
		tag:    "v2024.5.0",
		assets: map[string][]byte{"cloudflared-darwin-amd64.tgz": []byte("x")},
	})
	u := newTestUpdater(t, server, "linux", "amd64")

	_, err := u.Download(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no asset")
}

func TestEnsureShortCircuitsWhenCached(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	log := zerolog.Nop()
	u := New(t.TempDir(), &log)
	u.releases.url = dead.URL
	require.NoError(t, os.MkdirAll(u.dir, 0o755))
	require.NoError(t, os.WriteFile(u.BinaryPath(), []byte("cached"), 0o755))

	path, err := u.Ensure(context.Background())
	require.NoError(t, err, "a cached binary must not trigger a download")
	assert.Equal(t, u.BinaryPath(), path)
}

func TestEnsureDownloadsWhenMissing(t *testing.T) {
	binary := []byte("fresh")
	server := serveRelease(t, &fakeRelease{
		tag:    "v2024.5.0",
		assets: map[string][]byte{"cloudflared-linux-amd64": binary},
	})
	u := newTestUpdater(t, server, "linux", "amd64")

	path, err := u.Ensure(context.Background())
	require.NoError(t, err)

	installed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, binary, installed)
}

func TestInstalledVersionEmptyWhenAbsent(t *testing.T) {
	log := zerolog.Nop()
	u := New(t.TempDir(), &log)

	version, err := u.InstalledVersion()
	require.NoError(t, err)
	assert.Empty(t, version)
}
