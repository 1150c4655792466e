package tunnelstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tuinnel/tuinnel/cfdlog"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/metrics"
	"github.com/tuinnel/tuinnel/orchestration"
	"github.com/tuinnel/tuinnel/supervisor"
	"github.com/tuinnel/tuinnel/validation"
)

// Provisioner is the cloud and process side the service drives. Satisfied by
// *orchestration.Orchestrator.
type Provisioner interface {
	StartTunnel(ctx context.Context, name string, cfg config.TunnelConfig) (*orchestration.StartResult, error)
	StartQuickTunnel(ctx context.Context, name string, port int) (*orchestration.StartResult, error)
	StopTunnel(ctx context.Context, name string, process *supervisor.Process, cleanup *orchestration.CleanupInfo)
	Deprovision(ctx context.Context, name string, cfg config.TunnelConfig) error
}

// ConfigStore reads and writes the persisted tunnel definitions. Satisfied
// by *config.FileManager.
type ConfigStore interface {
	GetConfig() (config.GlobalConfig, error)
	WriteConfig(config.GlobalConfig) error
}

var (
	_ Provisioner = (*orchestration.Orchestrator)(nil)
	_ ConfigStore = (*config.FileManager)(nil)
)

// Recorder receives connection events for durable history. The service calls
// it with its lock held, so implementations must hand off and return.
type Recorder interface {
	Record(tunnel string, event ConnectionEvent)
}

// Service owns the name to runtime mapping. All mutations happen under mu;
// per-tunnel operations additionally serialise on an operation lock so a
// start issued during a slow stop waits its turn.
type Service struct {
	log   *zerolog.Logger
	orch  Provisioner
	store ConfigStore

	recorder Recorder
	now      func() time.Time

	opMu    sync.Mutex
	opLocks map[string]*sync.Mutex

	mu        sync.Mutex
	tunnels   map[string]*tunnel
	observers []Observer
	closed    bool

	stopProbe chan struct{}
	probeWG   sync.WaitGroup
}

func NewService(orch Provisioner, store ConfigStore, log *zerolog.Logger) *Service {
	return &Service{
		log:     log,
		orch:    orch,
		store:   store,
		now:     time.Now,
		opLocks: make(map[string]*sync.Mutex),
		tunnels: make(map[string]*tunnel),
	}
}

// SetRecorder wires a durable sink for connection events. Call before any
// tunnel starts.
func (s *Service) SetRecorder(recorder Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = recorder
}

func (s *Service) opLock(name string) *sync.Mutex {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	lock, ok := s.opLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.opLocks[name] = lock
	}
	return lock
}

// Load seeds runtimes from the persisted config without touching the file.
// Existing runtimes are left alone.
func (s *Service) Load(global config.GlobalConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entry := range global.Tunnels {
		if _, exists := s.tunnels[name]; exists {
			continue
		}
		tun := newTunnel(name, entry)
		tun.state = StateStopped
		s.tunnels[name] = tun
		tunnelStates.WithLabelValues(string(tun.state)).Inc()
		s.emitLocked(Event{Kind: EventTunnelAdded, Name: name, Runtime: tun.snapshot()})
	}
}

// Create registers a new tunnel definition and persists it. A definition
// that fails validation leaves no trace behind.
func (s *Service) Create(name string, cfg config.TunnelConfig) error {
	if err := validation.ValidateTunnelName(name); err != nil {
		return err
	}
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errServiceClosed
	}
	if _, exists := s.tunnels[name]; exists {
		s.mu.Unlock()
		return errors.Errorf("tunnel %q already exists", name)
	}
	tun := newTunnel(name, cfg)
	s.tunnels[name] = tun
	tunnelStates.WithLabelValues(string(StateCreating)).Inc()
	s.emitLocked(Event{Kind: EventTunnelAdded, Name: name, Runtime: tun.snapshot()})
	s.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		s.mu.Lock()
		s.removeLocked(tun)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.transitionLocked(tun, StateStopped, "")
	s.mu.Unlock()
	return nil
}

// Start brings a defined tunnel up: provisions cloud state, spawns the
// connector, and leaves the runtime connecting until a registration line
// arrives.
func (s *Service) Start(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.start(ctx, name)
}

func (s *Service) start(ctx context.Context, name string) error {
	s.mu.Lock()
	tun, ok := s.tunnels[name]
	switch {
	case s.closed:
		s.mu.Unlock()
		return errServiceClosed
	case !ok:
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	case tun.process != nil:
		s.mu.Unlock()
		return errors.Errorf("tunnel %q is already running", name)
	}
	cfg := tun.cfg
	s.transitionLocked(tun, StateConnecting, "")
	s.mu.Unlock()

	result, err := s.orch.StartTunnel(ctx, name, cfg)
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(tun, StateError, err.Error())
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.attachLocked(tun, result)
	s.mu.Unlock()
	return nil
}

// StartQuick exposes a local port over an ephemeral hostname. The runtime is
// not persisted; its public URL appears once the connector logs it.
func (s *Service) StartQuick(ctx context.Context, port int) (string, error) {
	name := fmt.Sprintf("quick-%d", port)
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errServiceClosed
	}
	if existing, exists := s.tunnels[name]; exists {
		if !existing.ephemeral {
			s.mu.Unlock()
			return "", errors.Errorf("tunnel %q already exists", name)
		}
		if existing.process != nil {
			s.mu.Unlock()
			return "", errors.Errorf("port %d already has a quick tunnel", port)
		}
	}
	tun, exists := s.tunnels[name]
	if !exists {
		tun = newTunnel(name, config.TunnelConfig{Port: port, Protocol: "http"})
		tun.ephemeral = true
		s.tunnels[name] = tun
		tunnelStates.WithLabelValues(string(StateCreating)).Inc()
		s.emitLocked(Event{Kind: EventTunnelAdded, Name: name, Runtime: tun.snapshot()})
	}
	s.transitionLocked(tun, StateConnecting, "")
	s.mu.Unlock()

	result, err := s.orch.StartQuickTunnel(ctx, name, port)
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(tun, StateError, err.Error())
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	s.attachLocked(tun, result)
	s.mu.Unlock()
	return name, nil
}

// attachLocked wires a started connector into the runtime: stderr parsing,
// exit handling, metrics scraping.
func (s *Service) attachLocked(tun *tunnel, result *orchestration.StartResult) {
	tun.process = result.Process
	if result.TunnelID != uuid.Nil {
		tun.tunnelID = result.TunnelID.String()
	}
	if result.PublicURL != "" {
		tun.publicURL = result.PublicURL
	}
	tun.token = result.Token
	tun.dnsRecordID = result.DNSRecordID
	tun.dnsZoneID = result.DNSZoneID
	tun.scraper = metrics.NewScraper(s.log)

	name := tun.name
	process := result.Process
	process.OnLine(func(line string) {
		s.handleLine(name, process, line)
	})
	go s.watchExit(name, process)

	s.persistLocked()
}

// Adopt hands the service a connector some other path already spawned. The
// runtime behaves as if the service had started it: connecting until a
// registration line arrives.
func (s *Service) Adopt(name string, info AdoptInfo) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errServiceClosed
	}
	tun, ok := s.tunnels[name]
	if !ok {
		return errors.Errorf("unknown tunnel %q", name)
	}
	if tun.process != nil {
		return errors.Errorf("tunnel %q is already running", name)
	}

	s.transitionLocked(tun, StateConnecting, "")
	s.attachLocked(tun, &orchestration.StartResult{
		TunnelID:  info.TunnelID,
		Token:     info.Token,
		PublicURL: info.PublicURL,
		Process:   info.Process,
	})
	return nil
}

// AdoptInfo describes an externally started connector.
type AdoptInfo struct {
	TunnelID  uuid.UUID
	Token     string
	PublicURL string
	Process   *supervisor.Process
}

// Stop kills the connector and settles the runtime in stopped. Stopping a
// tunnel that is not running just resets its state.
func (s *Service) Stop(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.stopTo(ctx, name, StateStopped)
}

func (s *Service) stopTo(ctx context.Context, name string, final State) error {
	s.mu.Lock()
	tun, ok := s.tunnels[name]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	}
	process := s.detachLocked(tun)
	s.mu.Unlock()

	s.orch.StopTunnel(ctx, name, process, nil)

	s.mu.Lock()
	s.transitionLocked(tun, final, "")
	s.mu.Unlock()
	return nil
}

// detachLocked disconnects the runtime from its process so the exit watcher
// treats the exit as stale. Returns the detached process, nil if none.
func (s *Service) detachLocked(tun *tunnel) *supervisor.Process {
	process := tun.process
	tun.process = nil
	if tun.scraper != nil {
		tun.scraper.Stop()
		tun.scraper = nil
	}
	return process
}

// Restart is stop followed by start, surfacing the restarting state while
// the old connector drains.
func (s *Service) Restart(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tun, ok := s.tunnels[name]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	}
	s.transitionLocked(tun, StateRestarting, "")
	s.mu.Unlock()

	if err := s.stopTo(ctx, name, StateRestarting); err != nil {
		return err
	}
	return s.start(ctx, name)
}

// Remove forgets a tunnel locally: stops it if running, drops the runtime,
// and persists the shrunken config. Cloud resources stay untouched.
func (s *Service) Remove(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.remove(ctx, name)
}

func (s *Service) remove(ctx context.Context, name string) error {
	s.mu.Lock()
	tun, ok := s.tunnels[name]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	}
	process := s.detachLocked(tun)
	s.mu.Unlock()

	if process != nil {
		s.orch.StopTunnel(ctx, name, process, nil)
	}

	s.mu.Lock()
	s.removeLocked(tun)
	if err := s.persistLocked(); err != nil {
		s.log.Warn().Err(err).Str("tunnel", name).Msg("Could not persist tunnel removal")
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a tunnel locally and tears down its cloud resources. Cloud
// failures are reported but never resurrect the local definition.
func (s *Service) Delete(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tun, ok := s.tunnels[name]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	}
	cfg := tun.cfg
	cfg.TunnelID = tun.tunnelID
	cleanup := tun.cleanupInfo()
	process := s.detachLocked(tun)
	s.mu.Unlock()

	if process != nil {
		// A running tunnel carries its live resource IDs, so the stop can
		// tear down cloud state without the lookups Deprovision needs.
		s.orch.StopTunnel(ctx, name, process, cleanup)
	}

	s.mu.Lock()
	s.removeLocked(tun)
	if err := s.persistLocked(); err != nil {
		s.log.Warn().Err(err).Str("tunnel", name).Msg("Could not persist tunnel removal")
	}
	s.mu.Unlock()

	if process == nil {
		if err := s.orch.Deprovision(ctx, name, cfg); err != nil {
			return errors.Wrapf(err, "tunnel %q was removed locally but some cloud resources remain", name)
		}
	}
	return nil
}

// Update applies a changed definition. A new subdomain or zone is a new
// identity: the old cloud resources are torn down and the tunnel is
// restarted fresh if it was running. Other changes just restart the
// connector to pick them up.
func (s *Service) Update(ctx context.Context, name string, cfg config.TunnelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tun, ok := s.tunnels[name]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown tunnel %q", name)
	}
	old := tun.cfg
	old.TunnelID = tun.tunnelID
	wasRunning := tun.process != nil
	s.mu.Unlock()

	identityChanged := old.Subdomain != cfg.Subdomain || old.Zone != cfg.Zone

	if wasRunning {
		if err := s.stopTo(ctx, name, StateRestarting); err != nil {
			return err
		}
	}

	if identityChanged {
		if err := s.orch.Deprovision(ctx, name, old); err != nil {
			s.log.Warn().Err(err).Str("tunnel", name).Msg("Could not remove the previous hostname's cloud resources")
		}
	}

	s.mu.Lock()
	tun.cfg = cfg
	if identityChanged {
		tun.tunnelID = ""
		tun.publicURL = ""
	}
	if !wasRunning {
		s.transitionLocked(tun, StateStopped, "")
	}
	s.persistLocked()
	s.mu.Unlock()

	if wasRunning {
		return s.start(ctx, name)
	}
	return nil
}

// AutoStart starts every tunnel whose persisted lastState was running.
// Failures are collected per tunnel; one bad tunnel does not stop the rest.
func (s *Service) AutoStart(ctx context.Context) error {
	s.mu.Lock()
	var names []string
	for name, tun := range s.tunnels {
		if tun.cfg.LastState == config.StateRunning && tun.process == nil {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	var failures *multierror.Error
	for _, name := range names {
		if err := s.Start(ctx, name); err != nil {
			s.log.Warn().Err(err).Str("tunnel", name).Msg("Could not restore tunnel")
			failures = multierror.Append(failures, errors.Wrapf(err, "tunnel %q", name))
		}
	}
	return failures.ErrorOrNil()
}

// Shutdown persists every tunnel's lastState, then stops all connectors
// concurrently. The saved state deliberately predates the kills so the next
// invocation can restore what was running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopProber()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	saveErr := s.persistLocked()

	type liveProcess struct {
		name    string
		process *supervisor.Process
	}
	var live []liveProcess
	for name, tun := range s.tunnels {
		if process := s.detachLocked(tun); process != nil {
			live = append(live, liveProcess{name: name, process: process})
		}
	}
	s.mu.Unlock()

	var group errgroup.Group
	for _, entry := range live {
		entry := entry
		group.Go(func() error {
			s.orch.StopTunnel(ctx, entry.name, entry.process, nil)
			return nil
		})
	}
	_ = group.Wait()

	s.mu.Lock()
	for _, entry := range live {
		if tun, ok := s.tunnels[entry.name]; ok {
			s.transitionLocked(tun, StateStopped, "")
		}
	}
	s.mu.Unlock()

	return saveErr
}

// Runtime returns a snapshot of one tunnel.
func (s *Service) Runtime(name string) (*Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tun, ok := s.tunnels[name]
	if !ok {
		return nil, false
	}
	return tun.snapshot(), true
}

// Runtimes returns snapshots of every tunnel, sorted by name.
func (s *Service) Runtimes() []*Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Runtime, 0, len(s.tunnels))
	for _, tun := range s.tunnels {
		out = append(out, tun.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events returns the tunnel's buffered connection events, oldest first.
// limit > 0 keeps only the newest limit events.
func (s *Service) Events(name string, limit int) ([]ConnectionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tun, ok := s.tunnels[name]
	if !ok {
		return nil, false
	}
	events := tun.events.snapshot()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, true
}

// MetricsSnapshot returns the tunnel's latest scraped connector metrics and
// whether they are stale. Nil when the tunnel is not running or nothing has
// been scraped yet.
func (s *Service) MetricsSnapshot(name string) (*metrics.Snapshot, bool) {
	s.mu.Lock()
	scraper := (*metrics.Scraper)(nil)
	if tun, ok := s.tunnels[name]; ok {
		scraper = tun.scraper
	}
	s.mu.Unlock()
	if scraper == nil {
		return nil, false
	}
	return scraper.Snapshot()
}

// handleLine consumes one connector stderr line: ring append, history
// record, and the extractors driving state.
func (s *Service) handleLine(name string, process *supervisor.Process, line string) {
	parsed, parsedOK := cfdlog.Parse(line)

	s.mu.Lock()
	defer s.mu.Unlock()
	tun, ok := s.tunnels[name]
	if !ok || tun.process != process {
		return
	}

	if parsedOK {
		event := ConnectionEvent{
			Timestamp: parsed.Timestamp,
			Level:     parsed.Level,
			Message:   parsed.Message,
		}
		if registration, isReg := cfdlog.ParseRegistration(line); isReg {
			event.Registration = registration
		}
		tun.events.append(event)
		if s.recorder != nil {
			s.recorder.Record(name, event)
		}
		if event.Registration != nil {
			tun.connectedAt = s.now().UnixMilli()
			s.transitionLocked(tun, StateConnected, "")
		}
	}

	if addr, ok := cfdlog.MetricsAddress(line); ok && tun.scraper != nil {
		tun.scraper.SetAddress(addr)
	}
	if url, ok := cfdlog.QuickTunnelURL(line); ok && tun.publicURL == "" {
		tun.publicURL = url
		s.log.Info().Str("tunnel", name).Str("url", url).Msg("Quick tunnel ready")
	}
	if version, ok := cfdlog.Version(line); ok {
		tun.version = version
	}
	if connectorID, ok := cfdlog.ConnectorID(line); ok {
		tun.connectorID = connectorID
	}
}

// watchExit converges a child exit into the runtime. A process detached by
// stop or restart is stale here and ignored.
func (s *Service) watchExit(name string, process *supervisor.Process) {
	<-process.Done()
	code, _ := process.ExitCode()

	s.mu.Lock()
	defer s.mu.Unlock()
	tun, ok := s.tunnels[name]
	if !ok || tun.process != process {
		return
	}
	s.detachLocked(tun)
	if code == 0 {
		s.transitionLocked(tun, StateDisconnected, "")
	} else {
		s.transitionLocked(tun, StateError, fmt.Sprintf("cloudflared exited with code %d", code))
	}
}

// transitionLocked moves a tunnel to next, updates the state gauge, emits
// the change, and persists lastState. Same-state transitions only refresh
// lastError.
func (s *Service) transitionLocked(tun *tunnel, next State, lastError string) {
	tun.lastError = lastError
	if next != StateConnected && next != StatePortDown {
		tun.connectedAt = 0
	}
	if tun.state == next {
		return
	}
	previous := tun.state
	tun.state = next
	tunnelStates.WithLabelValues(string(previous)).Dec()
	tunnelStates.WithLabelValues(string(next)).Inc()
	s.emitLocked(Event{
		Kind:     EventStateChange,
		Name:     tun.name,
		Previous: previous,
		Current:  next,
		Runtime:  tun.snapshot(),
	})
	if !s.closed {
		if err := s.persistLocked(); err != nil {
			s.log.Warn().Err(err).Str("tunnel", tun.name).Msg("Could not persist tunnel state")
		}
	}
}

// removeLocked drops the runtime and emits the removal.
func (s *Service) removeLocked(tun *tunnel) {
	delete(s.tunnels, tun.name)
	tunnelStates.WithLabelValues(string(tun.state)).Dec()
	s.emitLocked(Event{Kind: EventTunnelRemoved, Name: tun.name})
}

// persistLocked writes every non-ephemeral tunnel back to the config file:
// definition, discovered tunnel ID, and lastState running iff a process
// exists.
func (s *Service) persistLocked() error {
	global, err := s.store.GetConfig()
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not read config before saving; starting fresh")
		global = config.NewGlobalConfig()
	}

	tunnels := make(map[string]config.TunnelConfig, len(s.tunnels))
	for name, tun := range s.tunnels {
		if tun.ephemeral {
			continue
		}
		entry := tun.cfg
		entry.TunnelID = tun.tunnelID
		if tun.process != nil {
			entry.LastState = config.StateRunning
		} else {
			entry.LastState = config.StateStopped
		}
		tunnels[name] = entry
	}
	global.Tunnels = tunnels

	return s.store.WriteConfig(global)
}

var errServiceClosed = errors.New("the service is shutting down")
