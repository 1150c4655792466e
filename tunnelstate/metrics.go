package tunnelstate

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "tuinnel"
	MetricsSubsystem = "service"
)

var (
	tunnelStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "tunnels",
			Help:      "Tunnels by lifecycle state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(tunnelStates)
}
