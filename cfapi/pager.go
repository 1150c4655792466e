package cfapi

import (
	"context"
	"net/url"
	"strconv"
)

// defaultPageSize is the per_page value used for every paginated listing.
const defaultPageSize = 50

// Pager lazily walks a paginated listing. Pages are fetched on demand as the
// caller consumes items. Iteration stops as soon as the provider signals the
// end: a missing result_info, the last page reached, an empty page, or a
// short page.
type Pager[T any] struct {
	client   *RESTClient
	op       string
	endpoint url.URL
	query    url.Values

	page    int
	perPage int
	buf     []*T
	idx     int
	done    bool
}

func newPager[T any](client *RESTClient, op string, endpoint url.URL, query url.Values) *Pager[T] {
	cloned := url.Values{}
	for key, values := range query {
		for _, value := range values {
			cloned.Add(key, value)
		}
	}
	return &Pager[T]{
		client:   client,
		op:       op,
		endpoint: endpoint,
		query:    cloned,
		perPage:  defaultPageSize,
	}
}

// Next returns the next item, fetching the next page when the buffered one is
// exhausted. The second return is false once the listing is fully consumed.
func (p *Pager[T]) Next(ctx context.Context) (*T, bool, error) {
	for p.idx >= len(p.buf) && !p.done {
		if err := p.fetchNextPage(ctx); err != nil {
			return nil, false, err
		}
	}
	if p.idx < len(p.buf) {
		item := p.buf[p.idx]
		p.idx++
		return item, true, nil
	}
	return nil, false, nil
}

func (p *Pager[T]) fetchNextPage(ctx context.Context) error {
	p.page++
	p.query.Set("per_page", strconv.Itoa(p.perPage))
	p.query.Set("page", strconv.Itoa(p.page))

	endpoint := p.endpoint
	endpoint.RawQuery = p.query.Encode()
	envelope, err := p.client.request(ctx, p.op, "GET", endpoint, nil)
	if err != nil {
		p.done = true
		return err
	}

	var items []*T
	if err := parseResponseBody(envelope, &items); err != nil {
		p.done = true
		return err
	}
	p.buf = items
	p.idx = 0

	switch {
	case envelope.ResultInfo == nil:
		p.done = true
	case envelope.ResultInfo.TotalPages > 0 && p.page >= envelope.ResultInfo.TotalPages:
		p.done = true
	case len(items) == 0:
		p.done = true
	case len(items) < p.perPage:
		p.done = true
	}
	return nil
}

// collectPages drains a pager into a slice.
func collectPages[T any](ctx context.Context, pager *Pager[T]) ([]*T, error) {
	var all []*T
	for {
		item, ok, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, item)
	}
}
