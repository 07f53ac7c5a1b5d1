// Package metrics exposes Prometheus instrumentation for a fragmesh runtime.
// Each runtime owns its own registry so several runtimes can coexist in one
// process (and in one test binary). A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fragmesh"

// Load outcomes.
const (
	OutcomeReady    = "ready"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeOpen     = "circuit_open"
	OutcomeCanceled = "cancelled"
)

// Metrics holds the collectors of one runtime.
type Metrics struct {
	registry *prometheus.Registry

	loads           *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	busEvents       *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	stateWrites     *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "loads_total",
				Help:      "Completed module loads by outcome.",
			},
			[]string{"module", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of single fetch+execute attempts.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module", "result"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "circuit_state",
				Help:      "Circuit breaker state per module (0=closed, 1=open, 2=half-open).",
			},
			[]string{"module"},
		),
		busEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "events_total",
				Help:      "Events recorded by the bus.",
			},
			[]string{"type"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "handler_failures_total",
				Help:      "Subscriber handler failures; final=true once retries are exhausted.",
			},
			[]string{"type", "final"},
		),
		stateWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "writes_total",
				Help:      "Shared state writes by outcome.",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.loads,
		m.attemptDuration,
		m.circuitState,
		m.busEvents,
		m.handlerFailures,
		m.stateWrites,
	)
	return m
}

// Registry returns the underlying registry (for tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordLoad(module, outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(module, outcome).Inc()
}

func (m *Metrics) RecordAttempt(module string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "error"
	if success {
		result = "ok"
	}
	m.attemptDuration.WithLabelValues(module, result).Observe(duration.Seconds())
}

func (m *Metrics) SetCircuitState(module string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(module).Set(float64(state))
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordHandlerFailure(eventType string, final bool) {
	if m == nil {
		return
	}
	f := "false"
	if final {
		f = "true"
	}
	m.handlerFailures.WithLabelValues(eventType, f).Inc()
}

func (m *Metrics) RecordStateWrite(outcome string) {
	if m == nil {
		return
	}
	m.stateWrites.WithLabelValues(outcome).Inc()
}
