// Package metrics defines the Prometheus collectors of the retrieval engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weeb3"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Failure reasons used as the "reason" label
const (
	ReasonNoPeer       = "no_peer"
	ReasonExhausted    = "exhausted"
	ReasonInvalidChunk = "invalid_chunk"
	ReasonNetwork      = "network"
	ReasonTimeout      = "timeout"
)

// Metrics groups all collectors. A zero registerer leaves them unregistered,
// which keeps tests independent of the global registry.
type Metrics struct {
	RetrievalAttempts prometheus.Counter
	RetrievalSuccess  prometheus.Counter
	RetrievalFailures *prometheus.CounterVec
	Overdrafts        prometheus.Counter
	RefreshRequests   prometheus.Counter
	RefreshedCredit   prometheus.Counter
	BytesRetrieved    prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	FeedProbes        prometheus.Counter
	FetchLatency      prometheus.Histogram
	InFlight          prometheus.Gauge
}

// New creates the collectors and registers them with reg when non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetrievalAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "attempts_total",
			Help: "Chunk requests sent to peers.",
		}),
		RetrievalSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "success_total",
			Help: "Chunks retrieved and validated.",
		}),
		RetrievalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "failures_total",
			Help: "Failed chunk requests by reason.",
		}, []string{"reason"}),
		Overdrafts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "accounting", Name: "overdrafts_total",
			Help: "Reservations refused because a peer's credit limit was reached.",
		}),
		RefreshRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "accounting", Name: "refresh_requests_total",
			Help: "Refresh requests queued for overdrawn peers.",
		}),
		RefreshedCredit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "accounting", Name: "refreshed_credit_total",
			Help: "Debt paid down by the refresher.",
		}),
		BytesRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "bytes_total",
			Help: "Bytes of validated chunk data received.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Chunk cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Chunk cache misses.",
		}),
		FeedProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feeds", Name: "probes_total",
			Help: "Feed index existence probes.",
		}),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "fetch_seconds",
			Help:    "Latency of single chunk requests to a peer.",
			Buckets: latencyBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "in_flight",
			Help: "Chunk requests currently on the wire.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RetrievalAttempts, m.RetrievalSuccess, m.RetrievalFailures,
		m.Overdrafts, m.RefreshRequests, m.RefreshedCredit,
		m.BytesRetrieved, m.CacheHits, m.CacheMisses, m.FeedProbes,
		m.FetchLatency, m.InFlight,
	}
}

// Handler serves the collectors of g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
