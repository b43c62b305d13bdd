package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type processorMetrics struct {
	consumed         *prometheus.HistogramVec
	rejected         *prometheus.CounterVec
	processingErrors *prometheus.CounterVec
	duplicate        *prometheus.CounterVec
	persisted        *prometheus.CounterVec
}

func newProcessorMetrics(registry prometheus.Registerer) (*processorMetrics, error) {
	m := &processorMetrics{
		consumed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_messages_consumed_seconds",
				Help:    "Time taken to process one message.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_rejected_total",
				Help: "Messages or documents dropped without processing.",
			},
			[]string{"channel"},
		),
		processingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_processing_errors_total",
				Help: "Messages that failed to process, by kind of failure.",
			},
			[]string{"channel", "kind"},
		),
		duplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_duplicate_total",
				Help: "Snapshots whose instance was already stored.",
			},
			[]string{"channel"},
		),
		persisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_persisted_total",
				Help: "Records stored, by record kind.",
			},
			[]string{"channel", "record"},
		),
	}

	for _, c := range []prometheus.Collector{m.consumed, m.rejected, m.processingErrors, m.duplicate, m.persisted} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
