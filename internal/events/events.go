// Package events implements the per-incident progress log: an ordered,
// append-only sequence of events per incident that supports live
// subscription and replay from any sequence number.
package events

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Kind identifies what an event describes.
type Kind string

const (
	KindTriageStepComplete      Kind = "TriageStepComplete"
	KindTriageComplete          Kind = "TriageComplete"
	KindDiagnosticCheckComplete Kind = "DiagnosticCheckComplete"
	KindDiagnosticsComplete     Kind = "DiagnosticsComplete"
	KindLoopIterationStart      Kind = "LoopIterationStart"
	KindRemediationOutcome      Kind = "RemediationOutcome"
	KindVerificationOutcome     Kind = "VerificationOutcome"
	KindEscalated               Kind = "Escalated"
	KindPhaseChanged            Kind = "PhaseChanged"
	KindResolved                Kind = "Resolved"
	KindHumanTakeoverRequested  Kind = "HumanTakeoverRequested"
)

// Event is one immutable entry in an incident's progress log.
type Event struct {
	IncidentID string    `json:"incident_id"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Emitter appends events to one incident's log. Emit reports whether the
// event was appended; false means the caller's run has been preempted or
// the log is closed, and the caller should stop producing events.
type Emitter interface {
	Emit(ctx context.Context, kind Kind, payload any) bool
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, kind Kind, payload any) bool

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, kind Kind, payload any) bool {
	return f(ctx, kind, payload)
}

// Discard is an Emitter that drops every event and reports success.
var Discard Emitter = EmitterFunc(func(context.Context, Kind, any) bool { return true })

// TriageStep is the payload of KindTriageStepComplete.
type TriageStep struct {
	Step   string `json:"step"`
	Output any    `json:"output,omitempty"`
}

// TriageComplete is the payload of KindTriageComplete.
type TriageComplete struct {
	Severity  incident.Severity   `json:"severity"`
	Category  string              `json:"category"`
	Responder *incident.Responder `json:"responder,omitempty"`
}

// CheckComplete is the payload of KindDiagnosticCheckComplete.
type CheckComplete struct {
	Result incident.DiagnosticResult `json:"result"`
}

// DiagnosticsComplete is the payload of KindDiagnosticsComplete.
type DiagnosticsComplete struct {
	Results []incident.DiagnosticResult `json:"results"`
}

// IterationStart is the payload of KindLoopIterationStart.
type IterationStart struct {
	Iteration int                      `json:"iteration"`
	Level     incident.EscalationLevel `json:"escalation_level"`
}

// RemediationOutcome is the payload of KindRemediationOutcome.
type RemediationOutcome struct {
	Iteration int    `json:"iteration"`
	ActionID  string `json:"action_id"`
	RunbookID string `json:"runbook_id,omitempty"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// VerificationOutcome is the payload of KindVerificationOutcome.
type VerificationOutcome struct {
	Iteration int  `json:"iteration"`
	Healthy   bool `json:"healthy"`
}

// Escalated is the payload of KindEscalated.
type Escalated struct {
	From   incident.EscalationLevel `json:"from"`
	To     incident.EscalationLevel `json:"to"`
	Reason string                   `json:"reason"`
	Manual bool                     `json:"manual"`
}

// PhaseChanged is the payload of KindPhaseChanged.
type PhaseChanged struct {
	From incident.Phase `json:"from"`
	To   incident.Phase `json:"to"`
}

// Terminal is the payload of KindResolved and KindHumanTakeoverRequested.
type Terminal struct {
	Resolution incident.Resolution `json:"resolution"`
}
