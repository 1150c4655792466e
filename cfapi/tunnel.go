package cfapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tunnel is the provider-side record of a named tunnel.
type Tunnel struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	DeletedAt time.Time `json:"deleted_at"`
	Status    string    `json:"status,omitempty"`
}

type newTunnel struct {
	Name string `json:"name"`
	// ConfigSrc marks the tunnel as remotely configured so ingress is managed
	// through the configurations endpoint instead of a local config file.
	ConfigSrc string `json:"config_src"`
}

// TunnelConfiguration is the remote ingress configuration pushed to the
// provider.
type TunnelConfiguration struct {
	Ingress []IngressRule `json:"ingress"`
}

// IngressRule routes one hostname to a local origin service. The final rule
// of a configuration carries no hostname and catches everything else.
type IngressRule struct {
	Hostname      string         `json:"hostname,omitempty"`
	Service       string         `json:"service"`
	OriginRequest *OriginRequest `json:"originRequest,omitempty"`
}

type OriginRequest struct {
	HTTPHostHeader string `json:"httpHostHeader,omitempty"`
	NoTLSVerify    bool   `json:"noTLSVerify,omitempty"`
}

type tunnelConfigurationRequest struct {
	Config TunnelConfiguration `json:"config"`
}

// TunnelDNSTarget is the CNAME content routing a hostname through tunnelID.
func TunnelDNSTarget(tunnelID uuid.UUID) string {
	return fmt.Sprintf("%s.cfargotunnel.com", tunnelID)
}

func (r *RESTClient) CreateTunnel(ctx context.Context, accountID, name string) (*Tunnel, error) {
	if name == "" {
		return nil, errors.New("tunnel name required")
	}
	if _, err := uuid.Parse(name); err == nil {
		return nil, errors.New("you cannot use UUIDs as tunnel names")
	}
	body := &newTunnel{
		Name:      name,
		ConfigSrc: "cloudflare",
	}

	envelope, err := r.request(ctx, "create tunnel", "POST", r.accountEndpoint(accountID), body)
	if err != nil {
		return nil, err
	}

	var tunnel Tunnel
	if serdeErr := parseResponseBody(envelope, &tunnel); serdeErr != nil {
		return nil, serdeErr
	}
	return &tunnel, nil
}

func (r *RESTClient) GetTunnelToken(ctx context.Context, accountID string, tunnelID uuid.UUID) (token string, err error) {
	endpoint := r.accountEndpoint(accountID, tunnelID.String(), "token")
	envelope, err := r.request(ctx, "get tunnel token", "GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	err = parseResponseBody(envelope, &token)
	return token, err
}

func (r *RESTClient) ListTunnels(ctx context.Context, accountID string, filter *TunnelFilter) ([]*Tunnel, error) {
	return collectPages(ctx, r.PageTunnels(accountID, filter))
}

// PageTunnels returns a lazy pager over the filtered tunnel listing.
func (r *RESTClient) PageTunnels(accountID string, filter *TunnelFilter) *Pager[Tunnel] {
	return newPager[Tunnel](r, "list tunnels", r.accountEndpoint(accountID), filter.queryParams)
}

func (r *RESTClient) DeleteTunnel(ctx context.Context, accountID string, tunnelID uuid.UUID, cascade bool) error {
	endpoint := r.accountEndpoint(accountID, tunnelID.String())
	// Cascade deletes the tunnel's dependencies (connections, routes) along
	// with the tunnel itself.
	if cascade {
		endpoint.RawQuery = "cascade=true"
	}
	_, err := r.request(ctx, "delete tunnel", "DELETE", endpoint, nil)
	return err
}

// UpdateTunnelConfiguration replaces the remote ingress of the tunnel. The
// whole configuration is submitted every time, healing any drift.
func (r *RESTClient) UpdateTunnelConfiguration(ctx context.Context, accountID string, tunnelID uuid.UUID, config TunnelConfiguration) error {
	endpoint := r.accountEndpoint(accountID, tunnelID.String(), "configurations")
	body := &tunnelConfigurationRequest{Config: config}
	_, err := r.request(ctx, "update tunnel configuration", "PUT", endpoint, body)
	return err
}
