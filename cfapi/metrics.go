package cfapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess       = "success"
	outcomeNetworkError  = "network_error"
	outcomeRateLimited   = "rate_limited"
	outcomeServerError   = "server_error"
	outcomeClientError   = "client_error"
	outcomeEnvelopeError = "envelope_error"

	reasonNetwork     = "network"
	reasonRateLimit   = "rate_limit"
	reasonServerError = "server_error"
)

type apiMetricsSet struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

var apiMetrics = initAPIMetrics()

func initAPIMetrics() *apiMetricsSet {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tuinnel",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Number of provider API requests by outcome",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tuinnel",
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Number of provider API retries by reason",
		},
		[]string{"reason"},
	)
	prometheus.MustRegister(requests, retries)
	return &apiMetricsSet{
		requests: requests,
		retries:  retries,
	}
}

func observeRequest(outcome string) {
	apiMetrics.requests.WithLabelValues(outcome).Inc()
}

func observeRetry(reason string) {
	apiMetrics.retries.WithLabelValues(reason).Inc()
}
