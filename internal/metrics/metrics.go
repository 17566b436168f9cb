package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide instrumentation set. Each instance carries its
// own registry so tests can construct one without collision.
type Metrics struct {
	registry *prometheus.Registry

	SamplesReceived  prometheus.Counter
	SamplesAccepted  prometheus.Counter
	SamplesRejected  *prometheus.CounterVec
	SamplesProcessed prometheus.Counter
	SamplesDropped   prometheus.Counter
	DriftTransitions *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ProcessSeconds   prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SamplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_samples_received_total",
			Help: "Telemetry samples received at the HTTP edge.",
		}),
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_samples_accepted_total",
			Help: "Samples accepted into the ingest queue.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftwatch_samples_rejected_total",
			Help: "Samples rejected before ingestion, by reason.",
		}, []string{"reason"}),
		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_samples_processed_total",
			Help: "Samples fully processed and persisted.",
		}),
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_samples_dropped_total",
			Help: "Samples dropped after exhausting store retries.",
		}),
		DriftTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftwatch_state_transitions_total",
			Help: "Health state transitions, by from/to state.",
		}, []string{"from", "to"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftwatch_queue_depth",
			Help: "Samples currently waiting in the ingest queue.",
		}),
		ProcessSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftwatch_sample_process_seconds",
			Help:    "Per-sample processing latency in the worker.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
	reg.MustRegister(
		m.SamplesReceived, m.SamplesAccepted, m.SamplesRejected,
		m.SamplesProcessed, m.SamplesDropped, m.DriftTransitions,
		m.QueueDepth, m.ProcessSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
