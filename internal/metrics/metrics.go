// Package metrics holds the Prometheus instruments for relay sessions.
//
// A nil *Metrics is a valid no-op receiver, so library code never needs to nil-check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsmirror"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SpawnFailures    prometheus.Counter
	ClosesTotal      *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	BackpressureHits *prometheus.CounterVec
	Ticks            prometheus.Counter
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions established",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Total sessions whose subprocess failed to start",
		}),
		ClosesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total closed sessions by cause",
		}, []string{"cause"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total WebSocket messages relayed",
		}, []string{"direction"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed",
		}, []string{"direction"}),
		BackpressureHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_total",
			Help:      "Times a back-pressure limit was hit",
		}, []string{"direction"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total broadcast driver ticks",
		}),
	}
	r.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SpawnFailures,
		m.ClosesTotal,
		m.MessagesTotal,
		m.BytesTotal,
		m.BackpressureHits,
		m.Ticks,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed(cause string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.ClosesTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
	m.ClosesTotal.WithLabelValues("spawn").Inc()
}

// Relayed records one message of n bytes crossing the relay in the given direction.
func (m *Metrics) Relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Backpressure(direction string) {
	if m == nil {
		return
	}
	m.BackpressureHits.WithLabelValues(direction).Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}
