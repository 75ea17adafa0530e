package balancer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the balancer. A nil *Metrics is
// valid; all record methods become no-ops.
type Metrics struct {
	WorkersTotal        prometheus.Gauge
	AssignmentsTotal    prometheus.Gauge
	RebalancesTotal     prometheus.Counter
	TenantsMovedTotal   prometheus.Counter
	AssignmentsRejected prometheus.Counter
}

// NewMetrics creates and registers all balancer metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orchestrator"
	}

	return &Metrics{
		WorkersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "workers",
			Help:      "Current number of registered workers",
		}),
		AssignmentsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "assignments",
			Help:      "Current number of tenant assignments",
		}),
		RebalancesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "rebalances_total",
			Help:      "Total number of rebalance passes that moved tenants",
		}),
		TenantsMovedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "tenants_moved_total",
			Help:      "Total number of tenant moves across all causes",
		}),
		AssignmentsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "assignments_rejected_total",
			Help:      "Total number of assignments rejected for lack of capacity",
		}),
	}
}

// SetWorkers updates the registered worker gauge
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.WorkersTotal.Set(float64(n))
}

// SetAssignments updates the assignment gauge
func (m *Metrics) SetAssignments(n int) {
	if m == nil {
		return
	}
	m.AssignmentsTotal.Set(float64(n))
}

// RecordRebalance records a rebalance pass and the tenants it moved
func (m *Metrics) RecordRebalance(moved int) {
	if m == nil {
		return
	}
	m.RebalancesTotal.Inc()
	m.TenantsMovedTotal.Add(float64(moved))
}

// RecordAssignmentRejected increments the capacity rejection counter
func (m *Metrics) RecordAssignmentRejected() {
	if m == nil {
		return
	}
	m.AssignmentsRejected.Inc()
}
