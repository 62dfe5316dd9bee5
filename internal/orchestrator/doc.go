// Package orchestrator drives one incident through triage, diagnostics and
// the escalation loop, and accepts the manual control calls (escalate,
// resolve, takeover) that can interrupt it at stage boundaries.
//
// A Workflow holds the validated, shared stage implementations; each
// Orchestrator it creates owns exactly one Incident.
package orchestrator
