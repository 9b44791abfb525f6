// Package metrics exposes prometheus collectors for the client.
//
// A nil *Metrics is valid and records nothing, so callers never need to check
// whether metrics were configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "render_rpc"

// Outcome labels for finished requests.
const (
	OutcomeReply = "reply"
	OutcomeError = "error"
	OutcomeAbort = "abort" // Resolved by a global error or never sent
)

// Result labels for connection attempts.
const (
	AttemptSuccess     = "success"
	AttemptUnavailable = "unavailable"
	AttemptFatal       = "fatal"
)

// Metrics groups the collectors of one or more clients.
type Metrics struct {
	requests        *prometheus.CounterVec
	pending         prometheus.Gauge
	progress        prometheus.Counter
	dropped         prometheus.Counter
	decodeErrors    prometheus.Counter
	connectAttempts *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		}),
		progress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress notifications routed to a pending request.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages addressed to an id that is not pending.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.pending, m.progress, m.dropped, m.decodeErrors, m.connectAttempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RequestStarted records a newly registered request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

// RequestsFinished records n requests leaving the pending set.
func (m *Metrics) RequestsFinished(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pending.Sub(float64(n))
	m.requests.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Progress() {
	if m == nil {
		return
	}
	m.progress.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ConnectAttempt records the result of one dial.
func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}
