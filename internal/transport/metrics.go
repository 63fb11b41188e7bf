package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	transferLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vramancer",
			Subsystem: "transport",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of completed block transfers",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"class", "backend"},
	)

	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vramancer",
			Subsystem: "transport",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved per transport backend",
		},
		[]string{"class", "backend"},
	)

	transferFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vramancer",
			Subsystem: "transport",
			Name:      "transfer_failures_total",
			Help:      "Failed transfers per transport backend",
		},
		[]string{"class", "backend"},
	)
)

func init() {
	prometheus.MustRegister(transferLatency, transferBytes, transferFailures)
}
