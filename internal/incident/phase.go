package incident

import "fmt"

// Phase is the lifecycle state of an incident.
type Phase string

const (
	// PhaseCreated means the incident record exists but automation has not started.
	PhaseCreated Phase = "created"

	// PhaseTriaging means enrichment, classification and responder assignment are running.
	PhaseTriaging Phase = "triaging"

	// PhaseDiagnosing means diagnostic checks are running.
	PhaseDiagnosing Phase = "diagnosing"

	// PhaseRemediating means the escalation loop is running.
	PhaseRemediating Phase = "remediating"

	// PhaseResolved is terminal: the incident was resolved automatically or manually.
	PhaseResolved Phase = "resolved"

	// PhaseHumanTakeover is terminal: control was handed to a human operator.
	PhaseHumanTakeover Phase = "human_takeover"
)

// transitions is the phase graph. Manual resolve and takeover are allowed
// from every non-terminal phase; the only edges out of a terminal phase are
// the reopen edges back to diagnosing.
var transitions = map[Phase][]Phase{
	PhaseCreated:       {PhaseTriaging, PhaseResolved, PhaseHumanTakeover},
	PhaseTriaging:      {PhaseDiagnosing, PhaseResolved, PhaseHumanTakeover},
	PhaseDiagnosing:    {PhaseRemediating, PhaseResolved, PhaseHumanTakeover},
	PhaseRemediating:   {PhaseResolved, PhaseHumanTakeover},
	PhaseResolved:      {PhaseDiagnosing},
	PhaseHumanTakeover: {PhaseDiagnosing},
}

// Terminal reports whether p ends automated handling.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseHumanTakeover
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether the phase graph has an edge from -> to.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrInvalidTransition-wrapping error when
// from -> to is not an edge of the phase graph.
func CheckTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
