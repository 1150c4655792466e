package cfapi

import (
	"context"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// Zone is one DNS zone the token can see, carrying the owning account.
type Zone struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Status  string      `json:"status"`
	Account ZoneAccount `json:"account"`
}

type ZoneAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ZoneFilter struct {
	queryParams url.Values
}

func NewZoneFilter() *ZoneFilter {
	return &ZoneFilter{
		queryParams: url.Values{},
	}
}

func (f *ZoneFilter) ByName(name string) {
	f.queryParams.Set("name", name)
}

func (r *RESTClient) ListZones(ctx context.Context, filter *ZoneFilter) ([]*Zone, error) {
	return collectPages(ctx, r.PageZones(filter))
}

// PageZones returns a lazy pager over the filtered zone listing.
func (r *RESTClient) PageZones(filter *ZoneFilter) *Pager[Zone] {
	return newPager[Zone](r, "list zones", r.zonesEndpoint(), filter.queryParams)
}

// accountCache is the process-wide single-slot cache of the discovered
// account ID. It is written once.
var accountCache struct {
	sync.Mutex
	id string
}

// ResetAccountCache clears the discovered account ID. Tests only.
func ResetAccountCache() {
	accountCache.Lock()
	defer accountCache.Unlock()
	accountCache.id = ""
}

// AccountID discovers the account owning the token's zones, caching the
// answer for the rest of the process. The listing is capped at a single zone
// because any one of them carries the account.
func (r *RESTClient) AccountID(ctx context.Context) (string, error) {
	accountCache.Lock()
	defer accountCache.Unlock()
	if accountCache.id != "" {
		return accountCache.id, nil
	}

	endpoint := r.zonesEndpoint()
	query := url.Values{}
	query.Set("per_page", "1")
	query.Set("page", "1")
	endpoint.RawQuery = query.Encode()

	envelope, err := r.request(ctx, "discover account", "GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	var zones []*Zone
	if err := parseResponseBody(envelope, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 || zones[0].Account.ID == "" {
		return "", errors.New("the API token cannot see any zones, so no account can be discovered. Add a zone to the account or grant the token Zone:Zone:Read at https://dash.cloudflare.com/profile/api-tokens")
	}

	accountCache.id = zones[0].Account.ID
	return accountCache.id, nil
}
