// Package metrics scrapes the Prometheus exposition of a running cloudflared
// child and condenses it into the handful of numbers the status views show.
package metrics

import (
	"io"
	"math"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Connector metric names this tool understands.
const (
	metricTotalRequests      = "cloudflared_tunnel_total_requests"
	metricRequestErrors      = "cloudflared_tunnel_request_errors"
	metricConcurrentRequests = "cloudflared_tunnel_concurrent_requests_per_tunnel"
	metricHAConnections      = "cloudflared_tunnel_ha_connections"
	metricActiveStreams      = "cloudflared_tunnel_active_streams"
	metricResponseByCode     = "cloudflared_tunnel_response_by_code"
	metricConnectLatency     = "cloudflared_proxy_connect_latency"
	metricQuicSmoothedRTT    = "quic_client_smoothed_rtt"
	metricQuicMinRTT         = "quic_client_min_rtt"

	statusCodeLabel = "status_code"
)

// Snapshot is one condensed scrape of a connector's metrics endpoint.
type Snapshot struct {
	TotalRequests      uint64            `json:"totalRequests"`
	RequestErrors      uint64            `json:"requestErrors"`
	ConcurrentRequests int               `json:"concurrentRequests"`
	HAConnections      int               `json:"haConnections"`
	ActiveStreams      int               `json:"activeStreams"`
	ResponseCodeCounts map[string]uint64 `json:"responseCodeCounts,omitempty"`
	ConnectLatency     *ConnectLatency   `json:"connectLatency,omitempty"`
	QuicRTT            *QuicRTT          `json:"quicRtt,omitempty"`
	CollectedAt        time.Time         `json:"collectedAt"`
}

// ConnectLatency holds percentiles derived from the proxy connect histogram.
// Each percentile is the upper bound of the smallest bucket whose cumulative
// count reaches the target rank.
type ConnectLatency struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// QuicRTT holds the QUIC transport round-trip gauges, in milliseconds.
type QuicRTT struct {
	Smoothed float64 `json:"smoothed"`
	Min      float64 `json:"min"`
}

// parseSnapshot reads one text exposition and derives a snapshot. Values of
// the same metric across label sets accumulate.
func parseSnapshot(reader io.Reader, collectedAt time.Time) (*Snapshot, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(reader)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		TotalRequests:      uint64(familySum(families[metricTotalRequests])),
		RequestErrors:      uint64(familySum(families[metricRequestErrors])),
		ConcurrentRequests: int(familySum(families[metricConcurrentRequests])),
		HAConnections:      int(familySum(families[metricHAConnections])),
		ActiveStreams:      int(familySum(families[metricActiveStreams])),
		CollectedAt:        collectedAt,
	}

	if family := families[metricResponseByCode]; family != nil {
		counts := make(map[string]uint64, len(family.Metric))
		for _, metric := range family.Metric {
			code := labelValue(metric, statusCodeLabel)
			if code == "" {
				continue
			}
			counts[code] += uint64(sampleValue(metric))
		}
		if len(counts) > 0 {
			snapshot.ResponseCodeCounts = counts
		}
	}

	snapshot.ConnectLatency = connectLatency(families[metricConnectLatency])

	smoothed := families[metricQuicSmoothedRTT]
	min := families[metricQuicMinRTT]
	if smoothed != nil || min != nil {
		snapshot.QuicRTT = &QuicRTT{
			Smoothed: familySum(smoothed),
			Min:      familySum(min),
		}
	}

	return snapshot, nil
}

func familySum(family *dto.MetricFamily) float64 {
	if family == nil {
		return 0
	}
	var total float64
	for _, metric := range family.Metric {
		total += sampleValue(metric)
	}
	return total
}

func sampleValue(metric *dto.Metric) float64 {
	switch {
	case metric.Counter != nil:
		return metric.Counter.GetValue()
	case metric.Gauge != nil:
		return metric.Gauge.GetValue()
	case metric.Untyped != nil:
		return metric.Untyped.GetValue()
	}
	return 0
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.Label {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

// connectLatency merges the histogram's buckets across label sets and reads
// the percentiles off the cumulative counts.
func connectLatency(family *dto.MetricFamily) *ConnectLatency {
	if family == nil {
		return nil
	}
	var sampleCount uint64
	cumulative := make(map[float64]uint64)
	for _, metric := range family.Metric {
		histogram := metric.Histogram
		if histogram == nil {
			continue
		}
		sampleCount += histogram.GetSampleCount()
		for _, bucket := range histogram.Bucket {
			cumulative[bucket.GetUpperBound()] += bucket.GetCumulativeCount()
		}
	}
	if sampleCount == 0 || len(cumulative) == 0 {
		return nil
	}

	bounds := make([]float64, 0, len(cumulative))
	for bound := range cumulative {
		bounds = append(bounds, bound)
	}
	sort.Float64s(bounds)

	percentile := func(quantile float64) float64 {
		target := uint64(math.Ceil(quantile * float64(sampleCount)))
		for _, bound := range bounds {
			if cumulative[bound] >= target {
				return bound
			}
		}
		return bounds[len(bounds)-1]
	}

	return &ConnectLatency{
		P50: percentile(0.50),
		P95: percentile(0.95),
		P99: percentile(0.99),
	}
}
