// Package orchestration converges cloud state with the local tunnel
// definitions: provider tunnels, remote ingress, hostname records, and the
// connector processes serving them. Starting a tunnel is a compensating
// transaction; a failure part-way through unwinds whatever it provisioned.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tuinnel/tuinnel/cfapi"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/pidfile"
	"github.com/tuinnel/tuinnel/supervisor"
)

// TunnelNamePrefix namespaces provider-side tunnel names so this tool only
// ever adopts tunnels it created itself.
const TunnelNamePrefix = "tuinnel-"

// WireTunnelName is the provider-side name of a locally defined tunnel.
func WireTunnelName(name string) string {
	return TunnelNamePrefix + name
}

// BinaryManager resolves the connector binary, downloading it on first use.
type BinaryManager interface {
	Ensure(ctx context.Context) (string, error)
}

// Orchestrator drives provider resources and connector processes for the
// local tunnel definitions.
type Orchestrator struct {
	api    cfapi.Client
	binary BinaryManager
	pids   *pidfile.Registry
	log    *zerolog.Logger

	spawn        func(token string, opts supervisor.Options, log *zerolog.Logger) (*supervisor.Process, error)
	spawnQuick   func(originURL string, opts supervisor.Options, log *zerolog.Logger) (*supervisor.Process, error)
	spawnOpts    supervisor.Options
	probeTimeout time.Duration
}

func NewOrchestrator(api cfapi.Client, binary BinaryManager, pids *pidfile.Registry, log *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		api:          api,
		binary:       binary,
		pids:         pids,
		log:          log,
		spawn:        supervisor.Spawn,
		spawnQuick:   supervisor.SpawnQuick,
		probeTimeout: loopbackProbeTimeout,
	}
}

// SetSpawnOptions sets the base options every connector spawn starts from.
// BinaryPath is overwritten per spawn with whatever the binary manager
// resolves.
func (o *Orchestrator) SetSpawnOptions(opts supervisor.Options) {
	o.spawnOpts = opts
}

// TunnelHandle couples a provider tunnel with its connector token. Created
// reports whether this call made the tunnel, which decides whether a failed
// start may delete it again.
type TunnelHandle struct {
	Tunnel  *cfapi.Tunnel
	Token   string
	Created bool
}

// CreateOrGetTunnel creates the provider tunnel for name, adopting an
// existing one on a name conflict, and fetches its connector token. When the
// token fetch fails the returned handle is still non-nil so the caller knows
// whether a tunnel record was established.
func (o *Orchestrator) CreateOrGetTunnel(ctx context.Context, accountID, name string) (*TunnelHandle, error) {
	wireName := WireTunnelName(name)

	handle := &TunnelHandle{Created: true}
	tunnel, err := o.api.CreateTunnel(ctx, accountID, wireName)
	if err != nil {
		if !cfapi.IsRecoverable(err) {
			return nil, err
		}
		filter := cfapi.NewTunnelFilter()
		filter.ByName(wireName)
		filter.NoDeleted()
		tunnels, listErr := o.api.ListTunnels(ctx, accountID, filter)
		if listErr != nil {
			return nil, listErr
		}
		if len(tunnels) == 0 {
			return nil, errors.Errorf("tunnel %q was reported as existing but could not be found", wireName)
		}
		tunnel = tunnels[0]
		handle.Created = false
		o.log.Debug().Str("tunnel", wireName).Str("id", tunnel.ID.String()).Msg("Adopted existing tunnel")
	}
	handle.Tunnel = tunnel

	token, err := o.api.GetTunnelToken(ctx, accountID, tunnel.ID)
	if err != nil {
		return handle, err
	}
	handle.Token = token
	return handle, nil
}

// UpdateIngress replaces the tunnel's remote ingress with exactly two rules:
// the hostname routed to the local origin, then a catch-all 404. It is
// re-applied on every start to heal drift.
func (o *Orchestrator) UpdateIngress(ctx context.Context, accountID string, tunnelID uuid.UUID, cfg config.TunnelConfig, loopback string) error {
	ingress := []cfapi.IngressRule{
		{
			Hostname: cfg.Hostname(),
			Service:  fmt.Sprintf("%s://%s:%d", cfg.Protocol, loopback, cfg.Port),
			OriginRequest: &cfapi.OriginRequest{
				// The origin sees the Host header it expects locally, not
				// the public hostname.
				HTTPHostHeader: fmt.Sprintf("localhost:%d", cfg.Port),
				NoTLSVerify:    cfg.Protocol == "https",
			},
		},
		{Service: "http_status:404"},
	}
	return o.api.UpdateTunnelConfiguration(ctx, accountID, tunnelID, cfapi.TunnelConfiguration{Ingress: ingress})
}

// DNSResult reports how the hostname record was reconciled.
type DNSResult struct {
	RecordID string
	Created  bool
	// Conflict holds the previous content when an existing record pointing
	// elsewhere was rewritten.
	Conflict string
}

// CreateOrVerifyDNS points hostname at the tunnel through a proxied CNAME.
// An existing record with the right content is left alone; one pointing
// elsewhere is rewritten in place.
func (o *Orchestrator) CreateOrVerifyDNS(ctx context.Context, zoneID, hostname string, tunnelID uuid.UUID) (*DNSResult, error) {
	target := cfapi.TunnelDNSTarget(tunnelID)
	record := cfapi.DNSRecord{
		Type:    "CNAME",
		Name:    hostname,
		Content: target,
		Proxied: true,
		TTL:     1,
	}

	existing, err := o.findCNAME(ctx, zoneID, hostname)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created, createErr := o.api.CreateDNSRecord(ctx, zoneID, record)
		if createErr == nil {
			return &DNSResult{RecordID: created.ID, Created: true}, nil
		}
		if !cfapi.IsRecoverable(createErr) {
			return nil, createErr
		}
		// Lost a race with another writer. Reconcile against whichever
		// record won.
		existing, err = o.findCNAME(ctx, zoneID, hostname)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, createErr
		}
	}

	if existing.Content == target {
		return &DNSResult{RecordID: existing.ID}, nil
	}

	updated, err := o.api.UpdateDNSRecord(ctx, zoneID, existing.ID, record)
	if err != nil {
		return nil, err
	}
	o.log.Warn().
		Str("hostname", hostname).
		Str("previous", existing.Content).
		Msg("Replaced DNS record pointing at another target")
	return &DNSResult{RecordID: updated.ID, Conflict: existing.Content}, nil
}

func (o *Orchestrator) findCNAME(ctx context.Context, zoneID, hostname string) (*cfapi.DNSRecord, error) {
	filter := cfapi.NewDNSRecordFilter()
	filter.ByType("CNAME")
	filter.ByName(hostname)
	records, err := o.api.ListDNSRecords(ctx, zoneID, filter)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// ZoneID resolves a zone name to its ID. A miss lists what the token can
// actually see, because the usual cause is a token scoped to the wrong
// zones.
func (o *Orchestrator) ZoneID(ctx context.Context, zoneName string) (string, error) {
	filter := cfapi.NewZoneFilter()
	filter.ByName(zoneName)
	zones, err := o.api.ListZones(ctx, filter)
	if err != nil {
		return "", err
	}
	if len(zones) > 0 {
		return zones[0].ID, nil
	}

	all, err := o.api.ListZones(ctx, cfapi.NewZoneFilter())
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", errors.Errorf("zone %q is not visible to this API token", zoneName)
	}
	names := make([]string, 0, len(all))
	for _, zone := range all {
		names = append(names, zone.Name)
	}
	return "", errors.Errorf("zone %q is not visible to this API token. Visible zones: %s", zoneName, strings.Join(names, ", "))
}
