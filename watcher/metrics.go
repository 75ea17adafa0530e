package watcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks watcher metrics. A nil *Metrics is valid and records
// nothing, so tests and embedded setups can skip registration.
type Metrics struct {
	BlocksFetched   *prometheus.CounterVec
	BlocksPublished *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	FetchErrors     *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	CursorHeight    *prometheus.GaugeVec
	HeadHeight      *prometheus.GaugeVec
	Subscribers     *prometheus.GaugeVec
	DegradedGauge   *prometheus.GaugeVec
}

// NewMetrics creates and registers watcher metrics under the given
// namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orchestrator"
	}

	return &Metrics{
		BlocksFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "blocks_fetched_total",
			Help:      "Total number of blocks fetched from RPC endpoints",
		}, []string{"network"}),
		BlocksPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "blocks_published_total",
			Help:      "Total number of blocks published to subscribers",
		}, []string{"network"}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_delivered_total",
			Help:      "Total number of block events delivered to subscriber queues",
		}, []string{"network"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_dropped_total",
			Help:      "Total number of block events evicted from full subscriber queues",
		}, []string{"network"}),
		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetch attempts",
		}, []string{"network"}),
		FetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of block fetch rounds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"network"}),
		CursorHeight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cursor_height",
			Help:      "Last published block height per network",
		}, []string{"network"}),
		HeadHeight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "head_height",
			Help:      "Latest chain head observed per network",
		}, []string{"network"}),
		Subscribers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "subscribers",
			Help:      "Number of active subscribers per network",
		}, []string{"network"}),
		DegradedGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "network_degraded",
			Help:      "Whether a network is currently degraded (1) or healthy (0)",
		}, []string{"network"}),
	}
}

func (m *Metrics) RecordFetched(network string, count int) {
	if m == nil {
		return
	}
	m.BlocksFetched.WithLabelValues(network).Add(float64(count))
}

func (m *Metrics) RecordPublished(network string) {
	if m == nil {
		return
	}
	m.BlocksPublished.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordDelivered(network string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordDropped(network string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordFetchError(network string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(network).Inc()
}

func (m *Metrics) ObserveFetchDuration(network string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(network).Observe(d.Seconds())
}

func (m *Metrics) SetCursor(network string, height uint64) {
	if m == nil {
		return
	}
	m.CursorHeight.WithLabelValues(network).Set(float64(height))
}

func (m *Metrics) SetHead(network string, height uint64) {
	if m == nil {
		return
	}
	m.HeadHeight.WithLabelValues(network).Set(float64(height))
}

func (m *Metrics) SetSubscribers(network string, count int) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(network).Set(float64(count))
}

func (m *Metrics) SetDegraded(network string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.DegradedGauge.WithLabelValues(network).Set(v)
}
