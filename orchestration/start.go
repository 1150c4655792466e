package orchestration

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/tuinnel/tuinnel/cfapi"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/supervisor"
)

const (
	loopbackProbeTimeout = 250 * time.Millisecond

	// compensateTimeout bounds the rollback API calls after a failed start.
	// Rollback runs on its own context so a cancelled start still cleans up.
	compensateTimeout = 30 * time.Second
)

// StartResult carries everything the runtime needs to track a started
// tunnel.
type StartResult struct {
	TunnelID    uuid.UUID
	Token       string
	DNSRecordID string
	DNSZoneID   string
	PublicURL   string
	Process     *supervisor.Process
}

// CleanupInfo names the cloud resources a stopped tunnel can tear down.
type CleanupInfo struct {
	TunnelID    uuid.UUID
	DNSRecordID string
	DNSZoneID   string
}

// compensation records what StartTunnel has provisioned so far, in the
// order it must be unwound.
type compensation struct {
	process      *supervisor.Process
	dnsZoneID    string
	dnsRecordID  string
	tunnelID     uuid.UUID
	deleteTunnel bool
}

// StartTunnel provisions the provider side of a tunnel and spawns its
// connector: tunnel record, remote ingress, hostname CNAME, pid entry. Any
// failure unwinds the resources this call created, in reverse order, then
// returns the original error.
func (o *Orchestrator) StartTunnel(ctx context.Context, name string, cfg config.TunnelConfig) (*StartResult, error) {
	result, err := o.startTunnel(ctx, name, cfg)
	if err != nil {
		tunnelStarts.WithLabelValues("error").Inc()
		return nil, err
	}
	tunnelStarts.WithLabelValues("ok").Inc()
	return result, nil
}

func (o *Orchestrator) startTunnel(ctx context.Context, name string, cfg config.TunnelConfig) (*StartResult, error) {
	accountID, err := o.api.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	zoneID, err := o.ZoneID(ctx, cfg.Zone)
	if err != nil {
		return nil, err
	}

	loopback := o.resolveLoopback(ctx, cfg.Port)

	// From here on every step may leave cloud state behind; track it so a
	// failure can unwind in reverse order.
	var undo compensation

	handle, err := o.CreateOrGetTunnel(ctx, accountID, name)
	if handle != nil && handle.Created {
		undo.tunnelID = handle.Tunnel.ID
		undo.deleteTunnel = true
	}
	if err != nil {
		return nil, o.compensate(undo, accountID, err)
	}
	tunnelID := handle.Tunnel.ID

	if err := o.UpdateIngress(ctx, accountID, tunnelID, cfg, loopback); err != nil {
		return nil, o.compensate(undo, accountID, err)
	}

	hostname := cfg.Hostname()
	dns, err := o.CreateOrVerifyDNS(ctx, zoneID, hostname, tunnelID)
	if err != nil {
		return nil, o.compensate(undo, accountID, err)
	}
	if dns.Created {
		undo.dnsZoneID = zoneID
		undo.dnsRecordID = dns.RecordID
	}

	binaryPath, err := o.binary.Ensure(ctx)
	if err != nil {
		return nil, o.compensate(undo, accountID, err)
	}

	opts := o.spawnOpts
	opts.BinaryPath = binaryPath
	process, err := o.spawn(handle.Token, opts, o.log)
	if err != nil {
		return nil, o.compensate(undo, accountID, err)
	}
	undo.process = process

	if err := o.pids.Record(name, process.PID()); err != nil {
		return nil, o.compensate(undo, accountID, err)
	}

	return &StartResult{
		TunnelID:    tunnelID,
		Token:       handle.Token,
		DNSRecordID: dns.RecordID,
		DNSZoneID:   zoneID,
		PublicURL:   "https://" + hostname,
		Process:     process,
	}, nil
}

// compensate unwinds a failed start in reverse provisioning order and
// returns cause unchanged. Rollback failures are collected into a single
// warning; they never mask the original error.
func (o *Orchestrator) compensate(undo compensation, accountID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	if undo.process != nil {
		undo.process.Kill()
	}

	var failures *multierror.Error
	if undo.dnsRecordID != "" {
		if err := o.api.DeleteDNSRecord(ctx, undo.dnsZoneID, undo.dnsRecordID); err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "delete DNS record"))
		}
	}
	if undo.deleteTunnel {
		if err := o.api.DeleteTunnel(ctx, accountID, undo.tunnelID, true); err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "delete tunnel"))
		}
	}

	compensations.Inc()
	if err := failures.ErrorOrNil(); err != nil {
		o.log.Warn().
			Err(err).
			Msg("Could not undo every provisioning step; run \"tuinnel purge\" to remove leftover cloud resources")
	}
	return cause
}

// StartQuickTunnel spawns a connector serving port over an ephemeral
// trycloudflare.com hostname. No cloud resources are provisioned; the public
// URL is only known once the connector logs it.
func (o *Orchestrator) StartQuickTunnel(ctx context.Context, name string, port int) (*StartResult, error) {
	loopback := o.resolveLoopback(ctx, port)

	binaryPath, err := o.binary.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	opts := o.spawnOpts
	opts.BinaryPath = binaryPath
	origin := fmt.Sprintf("http://%s:%d", loopback, port)
	process, err := o.spawnQuick(origin, opts, o.log)
	if err != nil {
		return nil, err
	}

	if err := o.pids.Record(name, process.PID()); err != nil {
		process.Kill()
		return nil, err
	}
	return &StartResult{Process: process}, nil
}

// StopTunnel kills the connector and forgets its pid entry. With cleanup
// set, the hostname record and the tunnel itself are removed as well; cloud
// failures are logged but never fail a stop.
func (o *Orchestrator) StopTunnel(ctx context.Context, name string, process *supervisor.Process, cleanup *CleanupInfo) {
	if process != nil {
		process.Kill()
	}
	if err := o.pids.Remove(name); err != nil {
		o.log.Warn().Err(err).Str("tunnel", name).Msg("Could not remove pid entry")
	}
	if cleanup == nil {
		return
	}

	if cleanup.DNSRecordID != "" && cleanup.DNSZoneID != "" {
		if err := o.api.DeleteDNSRecord(ctx, cleanup.DNSZoneID, cleanup.DNSRecordID); err != nil {
			o.log.Warn().Err(err).Str("tunnel", name).Msg("Could not delete DNS record")
		}
	}
	if cleanup.TunnelID != uuid.Nil {
		accountID, err := o.api.AccountID(ctx)
		if err != nil {
			o.log.Warn().Err(err).Str("tunnel", name).Msg("Could not discover account for cleanup")
			return
		}
		if err := o.api.DeleteTunnel(ctx, accountID, cleanup.TunnelID, true); err != nil {
			o.log.Warn().Err(err).Str("tunnel", name).Msg("Could not delete tunnel")
		}
	}
}

// Deprovision removes the hostname record and the provider tunnel of a
// tunnel definition, resolving IDs from the persisted config or, failing
// that, from the provider by name. Partial failures are collected so the
// caller can warn and keep going.
func (o *Orchestrator) Deprovision(ctx context.Context, name string, cfg config.TunnelConfig) error {
	accountID, err := o.api.AccountID(ctx)
	if err != nil {
		return err
	}

	var failures *multierror.Error

	zoneID, err := o.ZoneID(ctx, cfg.Zone)
	if err != nil {
		failures = multierror.Append(failures, errors.Wrap(err, "resolve zone"))
	} else {
		existing, err := o.findCNAME(ctx, zoneID, cfg.Hostname())
		if err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "find DNS record"))
		} else if existing != nil {
			if err := o.api.DeleteDNSRecord(ctx, zoneID, existing.ID); err != nil {
				failures = multierror.Append(failures, errors.Wrap(err, "delete DNS record"))
			}
		}
	}

	tunnelID, err := o.lookupTunnelID(ctx, accountID, name, cfg)
	if err != nil {
		failures = multierror.Append(failures, errors.Wrap(err, "find tunnel"))
	} else if tunnelID != uuid.Nil {
		if err := o.api.DeleteTunnel(ctx, accountID, tunnelID, true); err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "delete tunnel"))
		}
	}

	return failures.ErrorOrNil()
}

// lookupTunnelID prefers the persisted tunnel ID and falls back to a
// provider lookup by wire name. uuid.Nil means no tunnel exists to delete.
func (o *Orchestrator) lookupTunnelID(ctx context.Context, accountID, name string, cfg config.TunnelConfig) (uuid.UUID, error) {
	if cfg.TunnelID != "" {
		id, err := uuid.Parse(cfg.TunnelID)
		if err == nil {
			return id, nil
		}
		o.log.Warn().Str("tunnel", name).Str("tunnelId", cfg.TunnelID).Msg("Ignoring malformed tunnel ID in config")
	}

	filter := cfapi.NewTunnelFilter()
	filter.ByName(WireTunnelName(name))
	filter.NoDeleted()
	tunnels, err := o.api.ListTunnels(ctx, accountID, filter)
	if err != nil {
		return uuid.Nil, err
	}
	if len(tunnels) == 0 {
		return uuid.Nil, nil
	}
	return tunnels[0].ID, nil
}

// resolveLoopback picks the loopback address the local service actually
// answers on. Dev servers bound only to ::1 are unreachable over 127.0.0.1,
// so both families are probed; when neither answers the service is probably
// not up yet and IPv4 is assumed.
func (o *Orchestrator) resolveLoopback(ctx context.Context, port int) string {
	dialer := net.Dialer{Timeout: o.probeTimeout}
	for _, host := range []string{"127.0.0.1", "::1"} {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		conn.Close()
		if host == "::1" {
			return "[::1]"
		}
		return host
	}
	return "127.0.0.1"
}
