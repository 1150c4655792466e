package cfapi

import (
	"context"

	"github.com/google/uuid"
)

type TunnelClient interface {
	CreateTunnel(ctx context.Context, accountID, name string) (*Tunnel, error)
	GetTunnelToken(ctx context.Context, accountID string, tunnelID uuid.UUID) (string, error)
	ListTunnels(ctx context.Context, accountID string, filter *TunnelFilter) ([]*Tunnel, error)
	DeleteTunnel(ctx context.Context, accountID string, tunnelID uuid.UUID, cascade bool) error
	UpdateTunnelConfiguration(ctx context.Context, accountID string, tunnelID uuid.UUID, config TunnelConfiguration) error
}

type ZoneClient interface {
	ListZones(ctx context.Context, filter *ZoneFilter) ([]*Zone, error)
	AccountID(ctx context.Context) (string, error)
}

type DNSClient interface {
	ListDNSRecords(ctx context.Context, zoneID string, filter *DNSRecordFilter) ([]*DNSRecord, error)
	CreateDNSRecord(ctx context.Context, zoneID string, record DNSRecord) (*DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, zoneID, recordID string, record DNSRecord) (*DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error
}

type Client interface {
	TunnelClient
	ZoneClient
	DNSClient
}
