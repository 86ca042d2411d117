// Package metrics holds the prometheus instrumentation for the
// cloud-variable client and caches. All methods are nil-safe so library
// consumers can run uninstrumented by passing a nil *ClientMetrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics counts the client's traffic against the remote store
// and the effectiveness of the caching layers in front of it.
type ClientMetrics struct {
	writesTotal         *prometheus.CounterVec
	enumerationsTotal   prometheus.Counter
	enumerationDuration prometheus.Histogram
	enumerationPairs    prometheus.Histogram
	coalescedReads      prometheus.Counter
	cacheHits           *prometheus.CounterVec
	cacheMisses         prometheus.Counter
}

// New registers and returns the client metric set. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudchat_writes_total",
			Help: "Write operations against the remote store, by outcome",
		}, []string{"outcome"}),
		enumerationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudchat_enumerations_total",
			Help: "Full key-space enumerations performed",
		}),
		enumerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudchat_enumeration_duration_seconds",
			Help:    "Wall time of one enumeration walk",
			Buckets: prometheus.DefBuckets,
		}),
		enumerationPairs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudchat_enumeration_pairs",
			Help:    "Key/value pairs accumulated per enumeration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		coalescedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudchat_coalesced_reads_total",
			Help: "getAll calls served by joining an in-flight enumeration or its TTL cache",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudchat_message_cache_hits_total",
			Help: "Two-tier message cache hits, by tier",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudchat_message_cache_misses_total",
			Help: "Two-tier message cache misses",
		}),
	}
	reg.MustRegister(
		m.writesTotal,
		m.enumerationsTotal,
		m.enumerationDuration,
		m.enumerationPairs,
		m.coalescedReads,
		m.cacheHits,
		m.cacheMisses,
	)
	return m
}

// ObserveWrite records one settled write. outcome is "ok", "rejected",
// or "failed".
func (m *ClientMetrics) ObserveWrite(outcome string) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(outcome).Inc()
}

// ObserveEnumeration records one completed enumeration walk.
func (m *ClientMetrics) ObserveEnumeration(seconds float64, pairs int) {
	if m == nil {
		return
	}
	m.enumerationsTotal.Inc()
	m.enumerationDuration.Observe(seconds)
	m.enumerationPairs.Observe(float64(pairs))
}

// ObserveCoalescedRead records a getAll call that did not start its own
// enumeration.
func (m *ClientMetrics) ObserveCoalescedRead() {
	if m == nil {
		return
	}
	m.coalescedReads.Inc()
}

// ObserveCacheHit records a two-tier cache hit. tier is "memory" or
// "persisted".
func (m *ClientMetrics) ObserveCacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss records a two-tier cache miss.
func (m *ClientMetrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
