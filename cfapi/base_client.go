package cfapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

const (
	// DefaultBaseURL is the production endpoint of the provider v4 API.
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"

	// requestTimeout bounds each individual HTTP attempt; an expired attempt
	// counts as a network failure for retry purposes.
	requestTimeout = 30 * time.Second

	jsonContentType = "application/json"

	maxNetworkRetries   = 1
	maxRateLimitRetries = 3
	maxServerRetries    = 1

	networkRetryDelay      = 2 * time.Second
	fallbackRetryAfterWait = 1 * time.Second
)

type RESTClient struct {
	baseURL   url.URL
	authToken string
	userAgent string
	client    http.Client
	log       *zerolog.Logger

	// seams for retry tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Client = (*RESTClient)(nil)

func NewRESTClient(baseURL, authToken, userAgent string, log *zerolog.Logger) (*RESTClient, error) {
	if strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL[:len(baseURL)-1]
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse API base URL")
	}
	httpTransport := http.Transport{
		TLSHandshakeTimeout:   requestTimeout,
		ResponseHeaderTimeout: requestTimeout,
	}
	_ = http2.ConfigureTransport(&httpTransport)
	return &RESTClient{
		baseURL:   *base,
		authToken: authToken,
		userAgent: userAgent,
		client: http.Client{
			Transport: &httpTransport,
			Timeout:   requestTimeout,
		},
		log:   log,
		now:   time.Now,
		sleep: sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// accountEndpoint builds an URL under /accounts/{id}/cfd_tunnel.
func (r *RESTClient) accountEndpoint(accountID string, parts ...string) url.URL {
	endpoint := r.baseURL
	elems := append([]string{endpoint.Path, "accounts", accountID, "cfd_tunnel"}, parts...)
	endpoint.Path = path.Join(elems...)
	return endpoint
}

// zonesEndpoint builds an URL under /zones.
func (r *RESTClient) zonesEndpoint(parts ...string) url.URL {
	endpoint := r.baseURL
	elems := append([]string{endpoint.Path, "zones"}, parts...)
	endpoint.Path = path.Join(elems...)
	return endpoint
}

func (r *RESTClient) sendRequest(ctx context.Context, method string, url url.URL, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url.String(), bodyReader)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create %s request", method)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if bodyReader != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", r.authToken))
	req.Header.Add("Accept", jsonContentType)
	return r.client.Do(req)
}

// request drives one logical API call through the retry policy: network
// failures and timeouts get a single retry after a fixed wait, rate limits
// honour Retry-After for up to three retries, server errors get a single
// retry with a linear wait, and any other 4xx fails immediately.
func (r *RESTClient) request(ctx context.Context, op, method string, endpoint url.URL, body interface{}) (*response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "failed to serialize json body")
		}
	}

	var networkRetries, rateLimitRetries, serverRetries int
	for {
		payload, statusCode, header, err := r.attempt(ctx, method, endpoint, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			observeRequest(outcomeNetworkError)
			if networkRetries < maxNetworkRetries {
				networkRetries++
				observeRetry(reasonNetwork)
				r.log.Debug().Str("op", op).Err(err).Msgf("Retrying after network failure in %s", networkRetryDelay)
				if err := r.sleep(ctx, networkRetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errors.Wrapf(err, "REST request for %s failed", op)
		}

		switch {
		case statusCode == http.StatusTooManyRequests:
			observeRequest(outcomeRateLimited)
			if rateLimitRetries < maxRateLimitRetries {
				rateLimitRetries++
				observeRetry(reasonRateLimit)
				wait := retryAfterDelay(header.Get("Retry-After"), r.now())
				r.log.Debug().Str("op", op).Msgf("Rate limited, retrying in %s", wait)
				if err := r.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, newAPIError(op, statusCode, payload)
		case statusCode >= 500:
			observeRequest(outcomeServerError)
			if serverRetries < maxServerRetries {
				serverRetries++
				observeRetry(reasonServerError)
				wait := time.Duration(serverRetries) * time.Second
				r.log.Debug().Str("op", op).Int("status", statusCode).Msgf("Server error, retrying in %s", wait)
				if err := r.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, newAPIError(op, statusCode, payload)
		case statusCode >= 400:
			observeRequest(outcomeClientError)
			return nil, newAPIError(op, statusCode, payload)
		}

		envelope, err := parseResponseEnvelope(op, statusCode, payload)
		if err != nil {
			observeRequest(outcomeEnvelopeError)
			return nil, err
		}
		observeRequest(outcomeSuccess)
		return envelope, nil
	}
}

// attempt performs one HTTP exchange and slurps the body so the retry loop
// never holds an open connection across a backoff wait.
func (r *RESTClient) attempt(ctx context.Context, method string, endpoint url.URL, body []byte) ([]byte, int, http.Header, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := r.sendRequest(attemptCtx, method, endpoint, body)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "failed to read response body")
	}
	return payload, resp.StatusCode, resp.Header, nil
}

// retryAfterDelay interprets a Retry-After header value: integer seconds are
// honoured exactly, an HTTP-date is converted to a wait of at least one
// second, anything else falls back to one second.
func retryAfterDelay(header string, now time.Time) time.Duration {
	if header == "" {
		return fallbackRetryAfterWait
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		wait := at.Sub(now)
		if wait < fallbackRetryAfterWait {
			return fallbackRetryAfterWait
		}
		return wait
	}
	return fallbackRetryAfterWait
}

// parseResponseEnvelope validates the v4 response wrapper. A body that fails
// the typed decode but still carries success=false with at least one error is
// reported as a provider error with that list; any other decode failure is a
// schema error naming the HTTP status.
func parseResponseEnvelope(op string, statusCode int, payload []byte) (*response, error) {
	var result response
	if err := json.Unmarshal(payload, &result); err != nil {
		var failure struct {
			Success *bool        `json:"success"`
			Errors  []APIMessage `json:"errors"`
		}
		if loose := json.Unmarshal(payload, &failure); loose == nil && failure.Success != nil && !*failure.Success && len(failure.Errors) > 0 {
			return nil, &APIError{
				Op:         op,
				StatusCode: statusCode,
				Severity:   Classify(statusCode, failure.Errors),
				Errors:     failure.Errors,
			}
		}
		return nil, errors.Wrapf(err, "the Cloudflare API response for %s did not match the expected schema (status %d)", op, statusCode)
	}
	if !result.Success {
		return nil, &APIError{
			Op:         op,
			StatusCode: statusCode,
			Severity:   Classify(statusCode, result.Errors),
			Errors:     result.Errors,
			Result:     result.Result,
		}
	}
	return &result, nil
}

func parseResponseBody(result *response, data interface{}) error {
	// The envelope reported success, so parse out the inner result into the
	// datatype provided as a parameter.
	if err := json.Unmarshal(result.Result, &data); err != nil {
		return errors.Wrap(err, "the Cloudflare API response was an unexpected type")
	}
	return nil
}

type response struct {
	Success    bool              `json:"success"`
	Errors     []APIMessage      `json:"errors,omitempty"`
	Messages   []json.RawMessage `json:"messages,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	ResultInfo *Pagination       `json:"result_info,omitempty"`
}

type Pagination struct {
	Count      int `json:"count,omitempty"`
	Page       int `json:"page,omitempty"`
	PerPage    int `json:"per_page,omitempty"`
	TotalCount int `json:"total_count,omitempty"`
	TotalPages int `json:"total_pages,omitempty"`
}
