package cfapi

import (
	"context"
	"net/url"
)

// DNSRecord is one record of a zone. TTL 1 means "automatic" on the wire.
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

type DNSRecordFilter struct {
	queryParams url.Values
}

func NewDNSRecordFilter() *DNSRecordFilter {
	return &DNSRecordFilter{
		queryParams: url.Values{},
	}
}

func (f *DNSRecordFilter) ByType(recordType string) {
	f.queryParams.Set("type", recordType)
}

func (f *DNSRecordFilter) ByName(name string) {
	f.queryParams.Set("name", name)
}

func (r *RESTClient) ListDNSRecords(ctx context.Context, zoneID string, filter *DNSRecordFilter) ([]*DNSRecord, error) {
	return collectPages(ctx, r.PageDNSRecords(zoneID, filter))
}

// PageDNSRecords returns a lazy pager over the filtered record listing.
func (r *RESTClient) PageDNSRecords(zoneID string, filter *DNSRecordFilter) *Pager[DNSRecord] {
	return newPager[DNSRecord](r, "list dns records", r.zonesEndpoint(zoneID, "dns_records"), filter.queryParams)
}

func (r *RESTClient) CreateDNSRecord(ctx context.Context, zoneID string, record DNSRecord) (*DNSRecord, error) {
	endpoint := r.zonesEndpoint(zoneID, "dns_records")
	envelope, err := r.request(ctx, "create dns record", "POST", endpoint, &record)
	if err != nil {
		return nil, err
	}
	var created DNSRecord
	if serdeErr := parseResponseBody(envelope, &created); serdeErr != nil {
		return nil, serdeErr
	}
	return &created, nil
}

func (r *RESTClient) UpdateDNSRecord(ctx context.Context, zoneID, recordID string, record DNSRecord) (*DNSRecord, error) {
	endpoint := r.zonesEndpoint(zoneID, "dns_records", recordID)
	envelope, err := r.request(ctx, "update dns record", "PUT", endpoint, &record)
	if err != nil {
		return nil, err
	}
	var updated DNSRecord
	if serdeErr := parseResponseBody(envelope, &updated); serdeErr != nil {
		return nil, serdeErr
	}
	return &updated, nil
}

func (r *RESTClient) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	endpoint := r.zonesEndpoint(zoneID, "dns_records", recordID)
	_, err := r.request(ctx, "delete dns record", "DELETE", endpoint, nil)
	return err
}
