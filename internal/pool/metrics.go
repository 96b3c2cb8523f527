package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every pool. Collectors
// are registered once; pools label their observations with the pool name.
type Metrics struct {
	currentSize       *prometheus.GaugeVec
	activeCount       *prometheus.GaugeVec
	idleCount         *prometheus.GaugeVec
	waiters           *prometheus.GaugeVec
	created           *prometheus.CounterVec
	acquired          *prometheus.CounterVec
	released          *prometheus.CounterVec
	failedCreations   *prometheus.CounterVec
	failedValidations *prometheus.CounterVec
	acquireWait       *prometheus.HistogramVec
}

// NewMetrics builds and registers the pool collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		currentSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "current_size", Help: "Connections owned by the pool.",
		}, []string{"pool"}),
		activeCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "active", Help: "Connections currently lent out.",
		}, []string{"pool"}),
		idleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "idle", Help: "Connections waiting in the idle queue.",
		}, []string{"pool"}),
		waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "waiters", Help: "Callers currently inside Acquire.",
		}, []string{"pool"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "created_total", Help: "Connections created.",
		}, []string{"pool"}),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "acquired_total", Help: "Successful acquires.",
		}, []string{"pool"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "released_total", Help: "Releases back to the pool.",
		}, []string{"pool"}),
		failedCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "failed_creations_total", Help: "Connection creation failures.",
		}, []string{"pool"}),
		failedValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name: "failed_validations_total", Help: "Validation ping failures.",
		}, []string{"pool"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posbridge", Subsystem: "pool",
			Name:    "acquire_wait_seconds",
			Help:    "Time spent inside Acquire.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"pool"}),
	}

	reg.MustRegister(
		m.currentSize, m.activeCount, m.idleCount, m.waiters,
		m.created, m.acquired, m.released,
		m.failedCreations, m.failedValidations, m.acquireWait,
	)
	return m
}
