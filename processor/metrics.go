package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type processorMetrics struct {
	processed *prometheus.CounterVec
	duration  prometheus.Histogram
	inFlight  prometheus.Gauge
}

// Outcome labels on the processed counter.
const (
	outcomeSucceeded    = "succeeded"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeDuplicate    = "duplicate"
	outcomeRejected     = "rejected"
)

func newProcessorMetrics(reg prometheus.Registerer) *processorMetrics {
	factory := promauto.With(reg)
	return &processorMetrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "processor",
			Name:      "events_total",
			Help:      "Audit events by processing outcome.",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "processor",
			Name:      "event_duration_seconds",
			Help:      "End-to-end processing time per event attempt.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "processor",
			Name:      "events_in_flight",
			Help:      "Events currently being processed by workers.",
		}),
	}
}
