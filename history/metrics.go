package history

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "tuinnel"
	MetricsSubsystem = "history"
)

var (
	eventsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "events_written_total",
		Help:      "Connection events persisted to the history database",
	})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "events_dropped_total",
		Help:      "Connection events dropped because the write queue was full",
	})
)

func init() {
	prometheus.MustRegister(eventsWritten, eventsDropped)
}
