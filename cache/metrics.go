package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the block cache. A nil *Metrics
// is valid; all record methods become no-ops.
type Metrics struct {
	HitsTotal   *prometheus.CounterVec
	MissesTotal prometheus.Counter
	ErrorsTotal prometheus.Counter
}

// NewMetrics creates and registers all block cache metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orchestrator"
	}

	return &Metrics{
		HitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits by tier",
		}, []string{"tier"}),
		MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses across all tiers",
		}),
		ErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total shared tier errors",
		}),
	}
}

// RecordHit increments the hit counter for a tier ("local" or "shared")
func (m *Metrics) RecordHit(tier string) {
	if m == nil {
		return
	}
	m.HitsTotal.WithLabelValues(tier).Inc()
}

// RecordMiss increments the miss counter
func (m *Metrics) RecordMiss() {
	if m == nil {
		return
	}
	m.MissesTotal.Inc()
}

// RecordError increments the shared tier error counter
func (m *Metrics) RecordError() {
	if m == nil {
		return
	}
	m.ErrorsTotal.Inc()
}
