package cfapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Severity buckets an API failure by how the orchestrator should react.
type Severity int

const (
	// SeverityFatal failures abort the operation and surface to the user.
	SeverityFatal Severity = iota
	// SeverityRecoverable failures mean the resource already exists; the
	// caller fetches it and continues.
	SeverityRecoverable
	// SeverityTransient failures are retried by the client layer and only
	// surface once retries are exhausted.
	SeverityTransient
)

func (s Severity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Provider error codes with a classification of their own.
const (
	codeAuthError          = "1003"
	codeTunnelNameConflict = "9109"
	codeDNSRecordConflict  = "81053"
)

// APIMessage is one entry of the errors list in the response envelope.
type APIMessage struct {
	Code    json.Number `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (m APIMessage) Error() string {
	return fmt.Sprintf("code: %v, reason: %s", m.Code, m.Message)
}

// APIError is a classified provider failure. Recoverable conflicts are
// returned to callers in-band, carrying the raw result so the conflicting
// resource can be inspected when the provider includes it.
type APIError struct {
	Op         string
	StatusCode int
	Severity   Severity
	Errors     []APIMessage
	Result     json.RawMessage
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "API call to %s failed with status %d (%s)", e.Op, e.StatusCode, e.Severity)
	for _, m := range e.Errors {
		fmt.Fprintf(&b, "; %s", m.Error())
	}
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		b.WriteString(". The API token needs Zone:DNS:Edit and Account:Cloudflare Tunnel:Edit permissions, manage tokens at https://dash.cloudflare.com/profile/api-tokens")
	}
	return b.String()
}

func (e *APIError) Recoverable() bool {
	return e.Severity == SeverityRecoverable
}

// IsRecoverable reports whether err is a classified conflict the caller can
// resolve by fetching the existing resource.
func IsRecoverable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Recoverable()
}

// Classify maps an HTTP status and the envelope error list onto a severity.
// The status dominates: only a status outside the explicit table falls
// through to the code scan.
func Classify(statusCode int, apiErrors []APIMessage) Severity {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return SeverityFatal
	case statusCode == http.StatusConflict:
		return SeverityRecoverable
	case statusCode == http.StatusTooManyRequests:
		return SeverityTransient
	case statusCode >= 500:
		return SeverityTransient
	}
	for _, e := range apiErrors {
		switch e.Code.String() {
		case codeAuthError:
			return SeverityFatal
		case codeTunnelNameConflict, codeDNSRecordConflict:
			return SeverityRecoverable
		}
	}
	return SeverityFatal
}

// newAPIError builds a classified error from a non-2xx response, decoding the
// envelope error list on a best-effort basis.
func newAPIError(op string, statusCode int, payload []byte) *APIError {
	var envelope struct {
		Errors []APIMessage    `json:"errors"`
		Result json.RawMessage `json:"result"`
	}
	_ = json.Unmarshal(payload, &envelope)
	return &APIError{
		Op:         op,
		StatusCode: statusCode,
		Severity:   Classify(statusCode, envelope.Errors),
		Errors:     envelope.Errors,
		Result:     envelope.Result,
	}
}
