// Package metrics holds the prometheus collectors of the offline store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "offline"

// Refill kinds.
const (
	RefillBounded = "bounded"
	RefillUpTo    = "up_to"
)

// Metrics groups every collector the store updates.
type Metrics struct {
	Registry *prometheus.Registry

	Stored        prometheus.Counter
	QuotaRejected prometheus.Counter
	Retrieved     prometheus.Counter
	Expired       prometheus.Counter
	Swept         prometheus.Counter
	Refills       *prometheus.CounterVec
	RefillErrors  prometheus.Counter
	CacheSize     prometheus.Gauge

	RPCs        *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	Panics      prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a fresh registry,
// which keeps tests and secondary instances from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Stored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "stored_total",
			Help:      "Messages accepted by store",
		}),
		QuotaRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "quota_rejected_total",
			Help:      "Messages rejected because the pair quota was met",
		}),
		Retrieved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retrieved_total",
			Help:      "Messages returned by retrieve",
		}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "expired_total",
			Help:      "Messages removed by the reaper at their expiry",
		}),
		Swept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "swept_total",
			Help:      "Expired messages removed by the periodic sweep",
		}),
		Refills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "refills_total",
			Help:      "Look-ahead cache refills",
		}, []string{"kind"}),
		RefillErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "refill_errors_total",
			Help:      "Refills that gave up after retries",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "cache_entries",
			Help:      "Entries currently held by the look-ahead cache",
		}),
		RPCs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "Admin API calls by method and status code",
		}, []string{"method", "code"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "Admin API call latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		Panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "panics_total",
			Help:      "Handler panics turned into Internal errors",
		}),
	}
}
