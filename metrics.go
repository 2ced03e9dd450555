package refulearn

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one OfflineManager. Each instance
// owns its registry, so several managers (and tests) never collide.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheWriteFailures prometheus.Counter
	GatewayRequests    *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	Replays            *prometheus.CounterVec
	BreakerState       prometheus.Gauge
	StoreRebuilds      prometheus.Counter
}

// NewMetrics creates a collector set under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "refulearn"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of responses served from the local cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache lookups that found nothing usable",
		}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Total number of best-effort cache writes that failed",
		}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by method and source of the answer",
		}, []string{"method", "source"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Number of mutations waiting in the sync queue",
		}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_replays_total",
			Help:      "Replayed mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Gateway circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		StoreRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_rebuilds_total",
			Help:      "Number of destructive schema rebuilds of the local store",
		}),
	}

	registry.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.CacheWriteFailures,
		m.GatewayRequests,
		m.QueueDepth,
		m.Replays,
		m.BreakerState,
		m.StoreRebuilds,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheWriteFailed() {
	if m != nil {
		m.CacheWriteFailures.Inc()
	}
}

func (m *Metrics) request(method, source string) {
	if m != nil {
		m.GatewayRequests.WithLabelValues(method, source).Inc()
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) replay(kind MutationKind, outcome string) {
	if m != nil {
		m.Replays.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (m *Metrics) breaker(state float64) {
	if m != nil {
		m.BreakerState.Set(state)
	}
}

func (m *Metrics) rebuilt() {
	if m != nil {
		m.StoreRebuilds.Inc()
	}
}
