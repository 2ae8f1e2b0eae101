// Package metrics holds the device's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitmesh"

// Outcome labels for DispatchTotal.
const (
	OutcomePublished   = "published"
	OutcomeInferFailed = "inference_failed"
	OutcomeSkipped     = "publish_skipped"
	OutcomeDropped     = "dropped_overflow"
	OutcomeRateLimited = "rate_limited"
	OutcomeCanceled    = "canceled"
)

// Metrics is a private registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	DecodeFailures    prometheus.Counter
	Duplicates        prometheus.Counter
	Decisions         *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	DispatchInFlight  prometheus.Gauge
	InferenceDuration prometheus.Histogram
	SessionConnected  prometheus.Gauge
	Reconnects        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded messages received from the bus, by message type.",
		}, []string{"type"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Payloads dropped because they could not be decoded.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Redelivered messages ignored by the journal.",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Response policy outcomes by reason.",
		}, []string{"respond", "reason"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Response dispatches by outcome.",
		}, []string{"outcome"}),
		DispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_in_flight",
			Help:      "Responses currently being generated or paced.",
		}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent in the inference engine.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		SessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while the broker session is connected.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Reconnect attempts made by the supervisor.",
		}),
	}
	m.Registry.MustRegister(
		m.MessagesReceived,
		m.DecodeFailures,
		m.Duplicates,
		m.Decisions,
		m.DispatchTotal,
		m.DispatchInFlight,
		m.InferenceDuration,
		m.SessionConnected,
		m.Reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
