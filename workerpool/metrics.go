package workerpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks worker pool metrics. A nil *Metrics records nothing.
type Metrics struct {
	WorkersGauge    prometheus.Gauge
	TenantsGauge    *prometheus.GaugeVec
	BlocksProcessed *prometheus.CounterVec
	DispatchErrors  *prometheus.CounterVec
	Processing      *prometheus.HistogramVec
	ManifestSwaps   *prometheus.CounterVec
	BackfillBlocks  *prometheus.CounterVec
	BackfillMisses  *prometheus.CounterVec
	HealthFailures  *prometheus.CounterVec
	DrainsTotal     *prometheus.CounterVec
	TenantsMoved    prometheus.Counter
}

// NewMetrics creates and registers pool metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orchestrator"
	}

	return &Metrics{
		WorkersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Number of live workers",
		}),
		TenantsGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "worker_tenants",
			Help:      "Tenants in each worker's current manifest",
		}, []string{"worker"}),
		BlocksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "blocks_processed_total",
			Help:      "Total blocks dispatched to the monitoring engine",
		}, []string{"worker"}),
		DispatchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "dispatch_errors_total",
			Help:      "Total per-tenant dispatch failures",
		}, []string{"worker"}),
		Processing: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "block_processing_seconds",
			Help:      "Time spent dispatching one block to all assigned tenants",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		ManifestSwaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "manifest_swaps_total",
			Help:      "Total tenant manifest replacements",
		}, []string{"worker"}),
		BackfillBlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "backfill_blocks_total",
			Help:      "Blocks recovered from the cache after a subscriber gap",
		}, []string{"network"}),
		BackfillMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "backfill_misses_total",
			Help:      "Gap blocks that could not be recovered from the cache",
		}, []string{"network"}),
		HealthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "health_failures_total",
			Help:      "Workers that missed their heartbeat window",
		}, []string{"worker"}),
		DrainsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "drains_total",
			Help:      "Worker drains by reason",
		}, []string{"reason"}),
		TenantsMoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tenants_moved_total",
			Help:      "Tenant manifest moves applied after topology changes",
		}),
	}
}

func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.WorkersGauge.Set(float64(n))
}

func (m *Metrics) SetTenants(worker string, n int) {
	if m == nil {
		return
	}
	m.TenantsGauge.WithLabelValues(worker).Set(float64(n))
}

func (m *Metrics) RecordBlockProcessed(worker string) {
	if m == nil {
		return
	}
	m.BlocksProcessed.WithLabelValues(worker).Inc()
}

func (m *Metrics) RecordDispatchError(worker string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(worker).Inc()
}

func (m *Metrics) ObserveProcessing(worker string, d time.Duration) {
	if m == nil {
		return
	}
	m.Processing.WithLabelValues(worker).Observe(d.Seconds())
}

func (m *Metrics) RecordManifestSwap(worker string) {
	if m == nil {
		return
	}
	m.ManifestSwaps.WithLabelValues(worker).Inc()
}

func (m *Metrics) RecordBackfill(network string) {
	if m == nil {
		return
	}
	m.BackfillBlocks.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordBackfillMiss(network string) {
	if m == nil {
		return
	}
	m.BackfillMisses.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordHealthFailure(worker string) {
	if m == nil {
		return
	}
	m.HealthFailures.WithLabelValues(worker).Inc()
}

func (m *Metrics) RecordDrain(reason string) {
	if m == nil {
		return
	}
	m.DrainsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMoves(n int) {
	if m == nil {
		return
	}
	m.TenantsMoved.Add(float64(n))
}
