// Package tunnelstate is the state hub: it owns every tunnel's runtime,
// serialises all mutations behind one lock, and publishes state changes to
// synchronous observers. Connector processes never outlive the service; the
// persisted lastState lets the next invocation restore what was running.
package tunnelstate

import (
	"time"

	"github.com/google/uuid"

	"github.com/tuinnel/tuinnel/cfdlog"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/metrics"
	"github.com/tuinnel/tuinnel/orchestration"
	"github.com/tuinnel/tuinnel/supervisor"
)

// State is a tunnel's lifecycle phase.
type State string

const (
	StateStopped      State = "stopped"
	StateCreating     State = "creating"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateRestarting   State = "restarting"
	StatePortDown     State = "port_down"
)

// ringCapacity bounds each tunnel's connection event buffer.
const ringCapacity = 1000

// Runtime is a point-in-time view of one tunnel, safe to hold after the
// service has moved on.
type Runtime struct {
	Name      string              `json:"name"`
	Config    config.TunnelConfig `json:"config"`
	State     State               `json:"state"`
	LastError string              `json:"lastError,omitempty"`
	TunnelID  string              `json:"tunnelId,omitempty"`
	PublicURL string              `json:"publicUrl,omitempty"`
	// ConnectedAt is milliseconds since epoch, zero iff not currently
	// connected.
	ConnectedAt int64  `json:"connectedAt"`
	PID         int    `json:"pid,omitempty"`
	Version     string `json:"version,omitempty"`
	ConnectorID string `json:"connectorId,omitempty"`
	Ephemeral   bool   `json:"ephemeral,omitempty"`
}

// ConnectionEvent is one parsed connector log line kept in the per-tunnel
// ring. Registration is set only for edge registration lines.
type ConnectionEvent struct {
	Timestamp    time.Time            `json:"timestamp"`
	Level        cfdlog.Level         `json:"level"`
	Message      string               `json:"message"`
	Registration *cfdlog.Registration `json:"registration,omitempty"`
}

// tunnel is the service-owned mutable record. Only code holding Service.mu
// touches it.
type tunnel struct {
	name        string
	cfg         config.TunnelConfig
	state       State
	lastError   string
	tunnelID    string
	publicURL   string
	connectedAt int64
	version     string
	connectorID string
	ephemeral   bool

	process     *supervisor.Process
	dnsRecordID string
	dnsZoneID   string
	token       string
	scraper     *metrics.Scraper
	events      *eventRing
}

func newTunnel(name string, cfg config.TunnelConfig) *tunnel {
	return &tunnel{
		name:     name,
		cfg:      cfg,
		state:    StateCreating,
		tunnelID: cfg.TunnelID,
		events:   newEventRing(ringCapacity),
	}
}

func (t *tunnel) snapshot() *Runtime {
	r := &Runtime{
		Name:        t.name,
		Config:      t.cfg,
		State:       t.state,
		LastError:   t.lastError,
		TunnelID:    t.tunnelID,
		PublicURL:   t.publicURL,
		ConnectedAt: t.connectedAt,
		Version:     t.version,
		ConnectorID: t.connectorID,
		Ephemeral:   t.ephemeral,
	}
	if t.process != nil {
		r.PID = t.process.PID()
	}
	return r
}

func (t *tunnel) cleanupInfo() *orchestration.CleanupInfo {
	info := &orchestration.CleanupInfo{
		DNSRecordID: t.dnsRecordID,
		DNSZoneID:   t.dnsZoneID,
	}
	if id, err := uuid.Parse(t.tunnelID); err == nil {
		info.TunnelID = id
	}
	return info
}

// eventRing keeps the newest ringCapacity events in arrival order.
type eventRing struct {
	buf   []ConnectionEvent
	start int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]ConnectionEvent, capacity)}
}

func (r *eventRing) append(event ConnectionEvent) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = event
		r.count++
		return
	}
	r.buf[r.start] = event
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the buffered events oldest first.
func (r *eventRing) snapshot() []ConnectionEvent {
	out := make([]ConnectionEvent, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
