package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of a Manager.
type metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	evictions     prometheus.Counter
	remoteErrors  prometheus.Counter
	size          prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits by data type and layer",
		}, []string{"data_type", "layer"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses by data type",
		}, []string{"data_type"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of entries removed by invalidation",
		}, []string{"data_type"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted by cleanup",
		}),
		remoteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "remote_errors_total",
			Help:      "Total number of failed L2 operations",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warning_engine",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Current number of L1 entries",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.invalidations, m.evictions, m.remoteErrors, m.size} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
