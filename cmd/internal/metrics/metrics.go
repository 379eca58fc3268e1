// Package metrics declares the Prometheus collectors for the bus core.
//
// Every component receives a *Metrics handle from the process root; there is
// no package-level registry and no global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the core updates on its hot paths.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsClosed    *prometheus.CounterVec // reason
	EnvelopesReceived *prometheus.CounterVec // type
	EnvelopesRouted   prometheus.Counter
	EnvelopesDropped  *prometheus.CounterVec // cause
	ValidationErrors  *prometheus.CounterVec // code

	CASILDecisions *prometheus.CounterVec // decision, reason
	CASILErrors    prometheus.Counter

	HistoryAppends  *prometheus.CounterVec // backend
	HistoryErrors   *prometheus.CounterVec // backend
	HistoryDegraded prometheus.Gauge

	TelemetryEmitted prometheus.Counter
	TelemetryDropped prometheus.Counter

	CommandsExecuted *prometheus.CounterVec // command, status
}

// New builds the collector set on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "sessions_active", Help: "Currently registered sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "sessions_total", Help: "Sessions accepted since start.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "sessions_closed_total", Help: "Sessions closed, by reason code.",
		}, []string{"reason"}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "envelopes_received_total", Help: "Inbound envelopes decoded, by type.",
		}, []string{"type"}),
		EnvelopesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "envelopes_routed_total", Help: "Per-recipient deliveries enqueued.",
		}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "envelopes_dropped_total", Help: "Envelopes dropped, by cause.",
		}, []string{"cause"}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "bus",
			Name: "validation_errors_total", Help: "Envelope validation failures, by code.",
		}, []string{"code"}),

		CASILDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "casil",
			Name: "decisions_total", Help: "CASIL outcomes, by decision and reason.",
		}, []string{"decision", "reason"}),
		CASILErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "casil",
			Name: "internal_errors_total", Help: "Recovered CASIL internal errors.",
		}),

		HistoryAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "history",
			Name: "appends_total", Help: "History appends, by backend.",
		}, []string{"backend"}),
		HistoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "history",
			Name: "errors_total", Help: "History backend errors, by backend.",
		}, []string{"backend"}),
		HistoryDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonbus", Subsystem: "history",
			Name: "degraded", Help: "1 while the durable backend is unreachable.",
		}),

		TelemetryEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "telemetry",
			Name: "events_emitted_total", Help: "Telemetry events handed to the sink.",
		}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "telemetry",
			Name: "events_dropped_total", Help: "Telemetry events dropped on queue saturation.",
		}),

		CommandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonbus", Subsystem: "command",
			Name: "executed_total", Help: "Commands executed, by name and status.",
		}, []string{"command", "status"}),
	}

	reg.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.SessionsClosed,
		m.EnvelopesReceived, m.EnvelopesRouted, m.EnvelopesDropped, m.ValidationErrors,
		m.CASILDecisions, m.CASILErrors,
		m.HistoryAppends, m.HistoryErrors, m.HistoryDegraded,
		m.TelemetryEmitted, m.TelemetryDropped,
		m.CommandsExecuted,
	)
	return m
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
