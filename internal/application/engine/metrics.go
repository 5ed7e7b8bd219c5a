package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	events      *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	triggered   *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	duration    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Data change events by type and final state",
		}, []string{"event_type", "state"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by outcome",
		}, []string{"outcome"}),
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warning_engine",
			Subsystem: "engine",
			Name:      "warnings_triggered_total",
			Help:      "Triggered warnings by severity",
		}, []string{"severity"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warning_engine",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Events waiting in the processing queue",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warning_engine",
			Subsystem: "engine",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one data change event",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.events, m.evaluations, m.triggered, m.queueDepth, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
