// Package metrics groups the Prometheus instruments the client exports on
// its debug endpoint. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casey"

type Metrics struct {
	registry *prometheus.Registry

	State           *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	AudioBytes      prometheus.Counter
	AckLatency      prometheus.Histogram
	ResponseLatency prometheus.Histogram
	Playback        *prometheus.CounterVec
	Connection      *prometheus.CounterVec
}

// New registers every instrument on a fresh registry, so tests and multiple
// instances never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the session's current state, 0 otherwise.",
		}, []string{"state"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions by source and target state.",
		}, []string{"from", "to"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Entries into the error state by reason.",
		}, []string{"reason"}),
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_sent_bytes_total",
			Help:      "Encoded audio bytes handed to the connection.",
		}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_ms",
			Help:      "Time from send to server acknowledgement in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		ResponseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_ms",
			Help:      "Time spent thinking before Casey's reply in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 12000, 15000},
		}),
		Playback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_total",
			Help:      "Utterances by outcome: ended, cancelled, preempted or failed.",
		}, []string{"outcome"}),
		Connection: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle notifications by state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition moves the state gauge and counts the transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(from).Set(0)
	m.State.WithLabelValues(to).Set(1)
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveError(reason string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSend(event, outcome string, ack time.Duration) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(event, outcome).Inc()
	if outcome == "acked" {
		m.AckLatency.Observe(float64(ack.Milliseconds()))
	}
}

func (m *Metrics) AddAudioBytes(n int) {
	if m == nil {
		return
	}
	m.AudioBytes.Add(float64(n))
}

func (m *Metrics) ObserveResponse(d time.Duration) {
	if m == nil {
		return
	}
	m.ResponseLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObservePlayback(outcome string) {
	if m == nil {
		return
	}
	m.Playback.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConnection(state string) {
	if m == nil {
		return
	}
	m.Connection.WithLabelValues(state).Inc()
}
