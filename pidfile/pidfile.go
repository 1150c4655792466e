// Package pidfile tracks connector processes spawned by previous invocations
// so separate runs of the tool do not fight over the same tunnel.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// RegistryFile is the file name of the pid registry inside the state directory.
const RegistryFile = ".pids.json"

const (
	terminateGracePeriod  = 5 * time.Second
	terminatePollInterval = 50 * time.Millisecond
)

// Entry is the current on-disk record for one supervised connector.
type Entry struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// AlreadyRunningError reports a live instance holding the tunnel.
type AlreadyRunningError struct {
	Name string
	PID  int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("tunnel %q is already running with pid %d. Stop it first with: tuinnel down %s", e.Name, e.PID, e.Name)
}

// Registry is the pid registry. The file is read and rewritten whole;
// writes go through a temp file renamed over the target, so readers never
// observe a partial registry. Entries are advisory across processes.
type Registry struct {
	path string
	log  *zerolog.Logger
	mu   sync.Mutex

	// ValidatePID guards against pid reuse: a live pid whose command line no
	// longer resembles a connector run is treated as stale.
	ValidatePID func(pid int) bool
}

func NewRegistry(dir string, log *zerolog.Logger) *Registry {
	return &Registry{
		path:        filepath.Join(dir, RegistryFile),
		log:         log,
		ValidatePID: looksLikeConnector,
	}
}

// Record adds or replaces the entry for name.
func (r *Registry) Record(name string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return err
	}
	entries[name] = Entry{PID: pid, StartedAt: time.Now().UTC()}
	return r.write(entries)
}

// Remove drops the entry for name if present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return r.write(entries)
}

// Running returns the entries whose process is still alive, reaping stale
// entries from the file as it scans.
func (r *Registry) Running() (map[string]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return nil, err
	}

	live := make(map[string]Entry)
	reaped := false
	for name, entry := range entries {
		if r.isLive(entry.PID) {
			live[name] = entry
			continue
		}
		r.log.Debug().Str("tunnel", name).Int("pid", entry.PID).Msg("Reaping stale pid registry entry")
		delete(entries, name)
		reaped = true
	}
	if reaped {
		if err := r.write(entries); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// AssertNotRunning raises when a live connector already holds name. A stale
// entry is reaped instead.
func (r *Registry) AssertNotRunning(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return err
	}
	entry, ok := entries[name]
	if !ok {
		return nil
	}
	if r.isLive(entry.PID) {
		return &AlreadyRunningError{Name: name, PID: entry.PID}
	}

	delete(entries, name)
	return r.write(entries)
}

// Terminate stops the recorded connector for name and drops its entry:
// SIGTERM, then SIGKILL if the process outlives the grace period. A name
// with no live entry is not an error; the stale entry is still removed.
func (r *Registry) Terminate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return err
	}
	entry, ok := entries[name]
	if !ok {
		return nil
	}
	delete(entries, name)
	if err := r.write(entries); err != nil {
		return err
	}
	if !r.isLive(entry.PID) {
		return nil
	}

	proc, err := os.FindProcess(entry.PID)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	deadline := time.Now().Add(terminateGracePeriod)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(terminatePollInterval)
	}
	r.log.Warn().Str("tunnel", name).Int("pid", entry.PID).Msg("Connector ignored SIGTERM, killing")
	return proc.Signal(syscall.SIGKILL)
}

func (r *Registry) isLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// the null signal probes for existence without touching the process
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if r.ValidatePID != nil && !r.ValidatePID(pid) {
		return false
	}
	return true
}

// read accepts both the legacy shape (name mapped to a bare pid) and the
// current shape (name mapped to an entry object). Always returns a usable map.
func (r *Registry) read() (map[string]Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Entry), nil
		}
		return nil, errors.Wrapf(err, "error reading pid registry at %s", r.path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "error parsing pid registry at %s", r.path)
	}

	entries := make(map[string]Entry, len(raw))
	for name, value := range raw {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err == nil && entry.PID > 0 {
			entries[name] = entry
			continue
		}
		var pid int
		if err := json.Unmarshal(value, &pid); err == nil && pid > 0 {
			entries[name] = Entry{PID: pid}
			continue
		}
		r.log.Warn().Str("tunnel", name).Msg("Dropping unreadable pid registry entry")
	}
	return entries, nil
}

// write always emits the current shape.
func (r *Registry) write(entries map[string]Entry) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "cannot create state directory %s", dir)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode pid registry")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, RegistryFile+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "cannot create temp pid registry")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot set pid registry mode")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write temp pid registry")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temp pid registry")
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return errors.Wrapf(err, "cannot replace pid registry at %s", r.path)
	}
	return nil
}

// looksLikeConnector reports whether pid's command line resembles a connector
// run. When the command line cannot be read at all the null-signal result
// stands on its own.
func looksLikeConnector(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := proc.Cmdline()
	if err != nil || cmdline == "" {
		return true
	}
	return strings.Contains(cmdline, "cloudflared") && strings.Contains(cmdline, "tunnel")
}
