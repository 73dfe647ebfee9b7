package importer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the importer's prometheus collectors.
type Metrics struct {
	Files        *prometheus.CounterVec
	Messages     *prometheus.CounterVec
	FileDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Files: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "healthdb",
				Subsystem: "import",
				Name:      "files_total",
				Help:      "Imported files by source and result",
			},
			[]string{"source", "result"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "healthdb",
				Subsystem: "import",
				Name:      "messages_total",
				Help:      "Dispatched messages by outcome",
			},
			[]string{"outcome"},
		),
		FileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "healthdb",
				Subsystem: "import",
				Name:      "file_duration_seconds",
				Help:      "Time to import one file",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Files, m.Messages, m.FileDuration)
	}
	return m
}
