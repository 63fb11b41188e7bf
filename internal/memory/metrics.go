package memory

import (
	"github.com/prometheus/client_golang/prometheus"

	"vramancer/pkg/types"
)

var (
	tierUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vramancer",
			Subsystem: "memory",
			Name:      "tier_used_bytes",
			Help:      "Reserved bytes per tier",
		},
		[]string{"tier"},
	)

	tierFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vramancer",
			Subsystem: "memory",
			Name:      "tier_free_bytes",
			Help:      "Unreserved bytes per tier",
		},
		[]string{"tier"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vramancer",
			Subsystem: "memory",
			Name:      "evictions_total",
			Help:      "Blocks demoted or freed under pressure",
		},
	)

	promotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vramancer",
			Subsystem: "memory",
			Name:      "promotions_total",
			Help:      "Blocks promoted to a faster tier",
		},
	)
)

func init() {
	prometheus.MustRegister(tierUsedBytes, tierFreeBytes, evictionsTotal, promotionsTotal)
}

func (m *Manager) updateTierMetrics() {
	for _, t := range types.LocalTiers {
		st := m.tiers.get(t)
		if st == nil || st.capacity == 0 {
			continue
		}
		tierUsedBytes.WithLabelValues(t.String()).Set(float64(st.reserved.Load()))
		tierFreeBytes.WithLabelValues(t.String()).Set(float64(st.free()))
	}
}
