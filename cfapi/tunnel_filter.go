package cfapi

import (
	"net/url"
)

// TunnelFilter narrows tunnel listings server-side. The zero filter matches
// every tunnel the account ever had, soft-deleted ones included.
type TunnelFilter struct {
	queryParams url.Values
}

func NewTunnelFilter() *TunnelFilter {
	return &TunnelFilter{
		queryParams: url.Values{},
	}
}

func (f *TunnelFilter) ByName(name string) {
	f.queryParams.Set("name", name)
}

// ByNamePrefix matches every tunnel whose name starts with prefix. Purge
// uses it to touch only the names this tool creates.
func (f *TunnelFilter) ByNamePrefix(prefix string) {
	f.queryParams.Set("name_prefix", prefix)
}

// NoDeleted excludes soft-deleted tunnels, which the API otherwise returns.
func (f *TunnelFilter) NoDeleted() {
	f.queryParams.Set("is_deleted", "false")
}
