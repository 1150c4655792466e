package orchestration

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/tuinnel/tuinnel/cfapi"
)

// PurgeReport counts what a purge removed.
type PurgeReport struct {
	TunnelsDeleted int
	RecordsDeleted int
}

// Purge removes every provider resource this tool could have created:
// tunnels named with the tuinnel- prefix (cascade) and the CNAME records
// routing through them. It is the remediation for failed compensation.
// Deletion failures are collected; whatever could be removed stays removed.
func (o *Orchestrator) Purge(ctx context.Context) (*PurgeReport, error) {
	accountID, err := o.api.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	filter := cfapi.NewTunnelFilter()
	filter.ByNamePrefix(TunnelNamePrefix)
	filter.NoDeleted()
	tunnels, err := o.api.ListTunnels(ctx, accountID, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list tunnels")
	}

	report := &PurgeReport{}
	var failures *multierror.Error

	// CNAME content -> doomed tunnel. Records are removed before their
	// tunnels so a partial purge never leaves a hostname pointing at nothing.
	doomed := make(map[string]uuid.UUID, len(tunnels))
	for _, tunnel := range tunnels {
		doomed[cfapi.TunnelDNSTarget(tunnel.ID)] = tunnel.ID
	}

	if len(doomed) > 0 {
		zones, err := o.api.ListZones(ctx, cfapi.NewZoneFilter())
		if err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "list zones"))
		}
		for _, zone := range zones {
			recordFilter := cfapi.NewDNSRecordFilter()
			recordFilter.ByType("CNAME")
			records, err := o.api.ListDNSRecords(ctx, zone.ID, recordFilter)
			if err != nil {
				failures = multierror.Append(failures, errors.Wrapf(err, "list records in zone %q", zone.Name))
				continue
			}
			for _, record := range records {
				if _, ok := doomed[record.Content]; !ok {
					continue
				}
				if err := o.api.DeleteDNSRecord(ctx, zone.ID, record.ID); err != nil {
					failures = multierror.Append(failures, errors.Wrapf(err, "delete record %q", record.Name))
					continue
				}
				report.RecordsDeleted++
				o.log.Info().Str("record", record.Name).Str("zone", zone.Name).Msg("Deleted orphaned DNS record")
			}
		}
	}

	for _, tunnel := range tunnels {
		if err := o.api.DeleteTunnel(ctx, accountID, tunnel.ID, true); err != nil {
			failures = multierror.Append(failures, errors.Wrapf(err, "delete tunnel %q", tunnel.Name))
			continue
		}
		report.TunnelsDeleted++
		o.log.Info().Str("tunnel", tunnel.Name).Str("id", tunnel.ID.String()).Msg("Deleted provider tunnel")
	}

	// reap pid entries whose processes are gone
	if _, err := o.pids.Running(); err != nil {
		failures = multierror.Append(failures, errors.Wrap(err, "reap pid registry"))
	}

	return report, failures.ErrorOrNil()
}
