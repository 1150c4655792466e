// Package updater downloads and caches the cloudflared connector binary.
// tuinnel never bundles the connector; the first start fetches the latest
// release for this platform into the user's state directory.
package updater

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// BinaryName is the connector binary's file name inside the cache
	// directory.
	BinaryName = "cloudflared"

	versionFileName = ".version"

	downloadTimeout = 5 * time.Minute
)

// assetNames keys the release asset by GOOS/GOARCH. Darwin releases ship as
// a single-file tarball, linux releases as the raw binary.
var assetNames = map[string]string{
	"darwin/arm64": "cloudflared-darwin-arm64.tgz",
	"darwin/amd64": "cloudflared-darwin-amd64.tgz",
	"linux/arm64":  "cloudflared-linux-arm64",
	"linux/amd64":  "cloudflared-linux-amd64",
}

var checksumRegex = regexp.MustCompile(`\b[0-9a-f]{64}\b`)

// AssetName returns the release asset for a platform.
func AssetName(goos, goarch string) (string, error) {
	name, ok := assetNames[goos+"/"+goarch]
	if !ok {
		return "", errors.Errorf("Unsupported platform %s/%s: install cloudflared manually and place it at the binary cache path", goos, goarch)
	}
	return name, nil
}

// Progress receives the received byte count and the asset's total size while
// a download streams. Total is zero when the release metadata omits it.
type Progress func(received, total int64)

// Updater caches the connector binary under dir and knows how to refresh it
// from the latest GitHub release.
type Updater struct {
	dir      string
	releases *releaseClient
	client   *http.Client
	log      *zerolog.Logger
	progress Progress

	goos   string
	goarch string
}

func New(dir string, log *zerolog.Logger) *Updater {
	client := &http.Client{Timeout: downloadTimeout}
	return &Updater{
		dir:      dir,
		releases: newReleaseClient(client),
		client:   client,
		log:      log,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
	}
}

// OnProgress registers a callback invoked as download bytes arrive.
func (u *Updater) OnProgress(progress Progress) {
	u.progress = progress
}

// BinaryPath returns where the cached connector lives, whether or not it
// exists yet.
func (u *Updater) BinaryPath() string {
	return filepath.Join(u.dir, BinaryName)
}

func (u *Updater) versionPath() string {
	return filepath.Join(u.dir, versionFileName)
}

// Ensure returns the path of the cached connector binary, downloading the
// latest release first when the cache is empty.
func (u *Updater) Ensure(ctx context.Context) (string, error) {
	path := u.BinaryPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := u.Download(ctx); err != nil {
		return "", err
	}
	return path, nil
}

// InstalledVersion reads the cached connector's release version. Empty when
// nothing has been downloaded yet.
func (u *Updater) InstalledVersion() (string, error) {
	data, err := os.ReadFile(u.versionPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read connector version file")
	}
	return strings.TrimSpace(string(data)), nil
}

// Download fetches the latest connector release for this platform into the
// cache, replacing whatever was there. Returns the release version.
func (u *Updater) Download(ctx context.Context) (string, error) {
	assetName, err := AssetName(u.goos, u.goarch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create binary cache directory")
	}

	release, err := u.releases.latest(ctx)
	if err != nil {
		return "", err
	}
	version := strings.TrimPrefix(release.TagName, "v")

	asset := release.asset(assetName)
	if asset == nil {
		return "", errors.Errorf("release %s has no asset %q", version, assetName)
	}

	u.log.Info().Str("version", version).Str("asset", assetName).Msg("Downloading cloudflared")
	tempPath, checksum, err := u.stream(ctx, asset)
	if err != nil {
		return "", err
	}
	defer os.Remove(tempPath)

	u.verifyChecksum(release.Body, checksum, assetName)

	target := u.BinaryPath()
	if strings.HasSuffix(assetName, ".tgz") {
		err = extractTarball(tempPath, target)
	} else {
		err = os.Rename(tempPath, target)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to install connector binary")
	}

	if err := os.Chmod(target, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to mark connector binary executable")
	}
	if err := os.WriteFile(u.versionPath(), []byte(version+"\n"), 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write connector version file")
	}

	u.log.Info().Str("version", version).Msg("Installed cloudflared")
	return version, nil
}

// stream downloads the asset to a temp file next to the target, hashing the
// raw bytes as they arrive. Returns the temp path and the hex digest.
func (u *Updater) stream(ctx context.Context, asset *releaseAsset) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.BrowserDownloadURL, nil)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to build download request")
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to download connector binary")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", errors.Errorf("connector download returned status %d", resp.StatusCode)
	}

	out, err := os.CreateTemp(u.dir, BinaryName+"-*.download")
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create download temp file")
	}
	defer out.Close()

	hash := sha256.New()
	writer := io.MultiWriter(out, hash)
	counter := &progressWriter{total: asset.Size, report: u.progress}

	if _, err := io.Copy(io.MultiWriter(writer, counter), resp.Body); err != nil {
		os.Remove(out.Name())
		return "", "", errors.Wrap(err, "connector download interrupted")
	}
	return out.Name(), fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// verifyChecksum looks for the downloaded asset's digest among the 64-hex
// strings in the release notes. The notes format is not guaranteed, so a
// miss only warns.
func (u *Updater) verifyChecksum(notes, checksum, assetName string) {
	published := checksumRegex.FindAllString(strings.ToLower(notes), -1)
	if len(published) == 0 {
		return
	}
	for _, candidate := range published {
		if candidate == checksum {
			return
		}
	}
	u.log.Warn().
		Str("asset", assetName).
		Str("sha256", checksum).
		Msg("Downloaded asset's checksum is not among those published in the release notes")
}

// extractTarball pulls the single connector binary out of a darwin release
// archive.
func extractTarball(archivePath, target string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "asset is not a gzip archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return errors.New("release archive contains no binary")
		}
		if err != nil {
			return errors.Wrap(err, "failed to read release archive")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, tr)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	}
}

// progressWriter counts bytes through the download stream and reports them.
type progressWriter struct {
	received int64
	total    int64
	report   Progress
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.received += int64(len(p))
	if w.report != nil {
		w.report(w.received, w.total)
	}
	return len(p), nil
}
