package orchestration

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "tuinnel"
	MetricsSubsystem = "orchestration"
)

var (
	tunnelStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "tunnel_starts_total",
			Help:      "Tunnel start attempts by outcome",
		},
		[]string{"outcome"},
	)
	compensations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "compensations_total",
			Help:      "Rollbacks after a failed tunnel start",
		},
	)
)

func init() {
	prometheus.MustRegister(tunnelStarts, compensations)
}
