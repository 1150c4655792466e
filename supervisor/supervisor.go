// Package supervisor spawns and controls cloudflared connector child
// processes. The connector token never appears in argv; it travels through a
// short-lived 0600 file referenced by --token-file.
package supervisor

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// tokenFileLinger is how long the secret file outlives the spawn. The
	// connector reads it during startup; afterwards it only leaks.
	tokenFileLinger = 500 * time.Millisecond

	defaultMetricsAddr = "127.0.0.1:0"
	defaultLogLevel    = "info"
	defaultProtocol    = "quic"
)

// Options configures one connector spawn.
type Options struct {
	BinaryPath  string
	MetricsAddr string
	LogLevel    string
	Protocol    string
}

func (o Options) withDefaults() Options {
	if o.MetricsAddr == "" {
		o.MetricsAddr = defaultMetricsAddr
	}
	if o.LogLevel == "" {
		o.LogLevel = defaultLogLevel
	}
	if o.Protocol == "" {
		o.Protocol = defaultProtocol
	}
	return o
}

// globalArgs are the connector flags that must precede the subcommand.
func globalArgs(opts Options) []string {
	return []string{
		"tunnel",
		"--config", os.DevNull,
		"--no-autoupdate",
		"--metrics", opts.MetricsAddr,
		"--loglevel", opts.LogLevel,
		"--protocol", opts.Protocol,
	}
}

// connectorArgs builds the argv for a named tunnel run. Flag order is part of
// the connector's CLI contract: globals before `run`, run flags after.
func connectorArgs(opts Options, tokenPath string) []string {
	return append(globalArgs(opts), "run", "--token-file", tokenPath)
}

// quickTunnelArgs builds the argv for an ephemeral unauthenticated tunnel.
func quickTunnelArgs(opts Options, originURL string) []string {
	return append(globalArgs(opts), "--url", originURL)
}

// writeTokenFile stashes the connector token in a fresh 0600 temp file.
func writeTokenFile(token string) (string, error) {
	file, err := os.CreateTemp("", "tuinnel-token-*")
	if err != nil {
		return "", err
	}
	path := file.Name()
	if err := file.Chmod(0o600); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := file.WriteString(token); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Spawn starts a connector for a named tunnel. The token is written to a
// secret file which is deleted shortly after the spawn and again on exit.
func Spawn(token string, opts Options, log *zerolog.Logger) (*Process, error) {
	if opts.BinaryPath == "" {
		return nil, errors.New("connector binary path required")
	}
	if token == "" {
		return nil, errors.New("connector token required")
	}
	opts = opts.withDefaults()

	tokenPath, err := writeTokenFile(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write the connector token file")
	}

	process, err := startProcess(opts.BinaryPath, connectorArgs(opts, tokenPath), tokenPath, log)
	if err != nil {
		os.Remove(tokenPath)
		return nil, err
	}
	time.AfterFunc(tokenFileLinger, func() {
		os.Remove(tokenPath)
	})
	return process, nil
}

// SpawnQuick starts an ephemeral tunnel pointing at originURL. No token is
// involved; the provider assigns a random trycloudflare.com hostname.
func SpawnQuick(originURL string, opts Options, log *zerolog.Logger) (*Process, error) {
	if opts.BinaryPath == "" {
		return nil, errors.New("connector binary path required")
	}
	if originURL == "" {
		return nil, errors.New("origin URL required")
	}
	opts = opts.withDefaults()
	return startProcess(opts.BinaryPath, quickTunnelArgs(opts, originURL), "", log)
}
