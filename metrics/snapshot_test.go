package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# TYPE cloudflared_tunnel_total_requests counter
cloudflared_tunnel_total_requests 42
# TYPE cloudflared_tunnel_request_errors counter
cloudflared_tunnel_request_errors 3
# TYPE cloudflared_tunnel_concurrent_requests_per_tunnel gauge
cloudflared_tunnel_concurrent_requests_per_tunnel 2
# TYPE cloudflared_tunnel_ha_connections gauge
cloudflared_tunnel_ha_connections 4
# TYPE cloudflared_tunnel_active_streams gauge
cloudflared_tunnel_active_streams 7
# TYPE cloudflared_tunnel_response_by_code counter
cloudflared_tunnel_response_by_code{status_code="200"} 30
cloudflared_tunnel_response_by_code{status_code="404"} 5
cloudflared_tunnel_response_by_code{status_code="502"} 1
# TYPE cloudflared_proxy_connect_latency histogram
cloudflared_proxy_connect_latency_bucket{le="1"} 5
cloudflared_proxy_connect_latency_bucket{le="10"} 9
cloudflared_proxy_connect_latency_bucket{le="100"} 10
cloudflared_proxy_connect_latency_bucket{le="+Inf"} 10
cloudflared_proxy_connect_latency_sum 123
cloudflared_proxy_connect_latency_count 10
# TYPE quic_client_smoothed_rtt gauge
quic_client_smoothed_rtt 23
# TYPE quic_client_min_rtt gauge
quic_client_min_rtt 15
`

func TestParseSnapshot(t *testing.T) {
	collectedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snapshot, err := parseSnapshot(strings.NewReader(exposition), collectedAt)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), snapshot.TotalRequests)
	assert.Equal(t, uint64(3), snapshot.RequestErrors)
	assert.Equal(t, 2, snapshot.ConcurrentRequests)
	assert.Equal(t, 4, snapshot.HAConnections)
	assert.Equal(t, 7, snapshot.ActiveStreams)
	assert.Equal(t, map[string]uint64{"200": 30, "404": 5, "502": 1}, snapshot.ResponseCodeCounts)
	assert.Equal(t, collectedAt, snapshot.CollectedAt)

	require.NotNil(t, snapshot.QuicRTT)
	assert.Equal(t, 23.0, snapshot.QuicRTT.Smoothed)
	assert.Equal(t, 15.0, snapshot.QuicRTT.Min)
}

func TestParseSnapshotLatencyPercentiles(t *testing.T) {
	snapshot, err := parseSnapshot(strings.NewReader(exposition), time.Now())
	require.NoError(t, err)

	require.NotNil(t, snapshot.ConnectLatency)
	assert.Equal(t, 1.0, snapshot.ConnectLatency.P50)
	assert.Equal(t, 100.0, snapshot.ConnectLatency.P95)
	assert.Equal(t, 100.0, snapshot.ConnectLatency.P99)
}

func TestParseSnapshotAccumulatesLabelSets(t *testing.T) {
	text := `# TYPE cloudflared_tunnel_total_requests counter
cloudflared_tunnel_total_requests{conn="0"} 10
cloudflared_tunnel_total_requests{conn="1"} 5
`
	snapshot, err := parseSnapshot(strings.NewReader(text), time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(15), snapshot.TotalRequests)
}

func TestParseSnapshotEmptyExposition(t *testing.T) {
	snapshot, err := parseSnapshot(strings.NewReader(""), time.Now())
	require.NoError(t, err)

	assert.Zero(t, snapshot.TotalRequests)
	assert.Nil(t, snapshot.ResponseCodeCounts)
	assert.Nil(t, snapshot.ConnectLatency)
	assert.Nil(t, snapshot.QuicRTT)
}

func TestParseSnapshotMalformedExposition(t *testing.T) {
	_, err := parseSnapshot(strings.NewReader("cloudflared{{{ nope"), time.Now())
	assert.Error(t, err)
}
