package orchestrator

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/diagnostics"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Metrics holds Prometheus metrics for incident orchestration.
type Metrics struct {
	IncidentsTotal      *prometheus.CounterVec
	IncidentsActive     prometheus.Gauge
	IncidentDuration    *prometheus.HistogramVec
	PhaseTransitions    *prometheus.CounterVec
	EscalationsTotal    *prometheus.CounterVec
	RemediationAttempts *prometheus.CounterVec
	ChecksTotal         *prometheus.CounterVec
	CheckDuration       *prometheus.HistogramVec
}

// NewMetrics registers and returns orchestration metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_incidents_total",
			Help: "Incidents reaching a terminal phase, by phase and whether a human caused it.",
		}, []string{"phase", "manual"}),
		IncidentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_incidents_active",
			Help: "Incidents currently under automated handling.",
		}),
		IncidentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_incident_duration_seconds",
			Help:    "Time from incident creation to terminal phase.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}, []string{"phase"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_phase_transitions_total",
			Help: "Incident phase transitions.",
		}, []string{"from", "to"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Escalation level increases, by target level and whether manual.",
		}, []string{"level", "manual"}),
		RemediationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_remediation_attempts_total",
			Help: "Remediation attempts by action and result.",
		}, []string{"action", "result"}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_diagnostic_checks_total",
			Help: "Diagnostic check runs by check and status.",
		}, []string{"check", "status"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_diagnostic_check_duration_seconds",
			Help:    "Duration of individual diagnostic checks.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"check"}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.IncidentsActive,
		m.IncidentDuration,
		m.PhaseTransitions,
		m.EscalationsTotal,
		m.RemediationAttempts,
		m.ChecksTotal,
		m.CheckDuration,
	)
	return m
}

// Hooks returns orchestrator hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnPhaseChange: func(_ context.Context, from, to incident.Phase) {
			m.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
			if from == incident.PhaseCreated || from.Terminal() {
				m.IncidentsActive.Inc()
			}
			if to.Terminal() {
				m.IncidentsActive.Dec()
			}
		},
		OnAttempt: func(_ context.Context, a incident.RemediationAttempt) {
			result := "failure"
			switch {
			case a.Verified != nil && *a.Verified:
				result = "verified"
			case a.Success:
				result = "unverified"
			}
			m.RemediationAttempts.WithLabelValues(a.ActionID, result).Inc()
		},
		OnEscalate: func(_ context.Context, esc incident.Escalation) {
			m.EscalationsTotal.WithLabelValues(esc.To.String(), boolLabel(esc.Manual)).Inc()
		},
		OnComplete: func(_ context.Context, ev *CompleteEvent) {
			m.IncidentsTotal.WithLabelValues(string(ev.Phase), boolLabel(ev.Manual)).Inc()
			m.IncidentDuration.WithLabelValues(string(ev.Phase)).Observe(ev.Duration.Seconds())
		},
	}
}

// DiagnosticHooks returns runner hooks that record into m.
func (m *Metrics) DiagnosticHooks() diagnostics.Hooks {
	return diagnostics.Hooks{
		OnCheck: func(_ context.Context, r incident.DiagnosticResult) {
			m.ChecksTotal.WithLabelValues(r.Check, string(r.Status)).Inc()
			m.CheckDuration.WithLabelValues(r.Check).Observe(r.Duration.Seconds())
		},
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
