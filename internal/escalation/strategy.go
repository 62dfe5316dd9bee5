package escalation

import (
	"context"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Action is a remediation chosen by a Policy.
type Action struct {
	ID         string         `json:"id"`
	RunbookID  string         `json:"runbook_id,omitempty"`
	Risk       string         `json:"risk,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActionResult is what an Executor reports for a completed action.
type ActionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Policy selects the next remediation from the incident's current
// diagnostics (ic.Diagnostics) and escalation level.
type Policy interface {
	SelectRemediation(ctx context.Context, ic incident.Context, level incident.EscalationLevel) (Action, error)
}

// Executor carries out an action against the affected system.
type Executor interface {
	Execute(ctx context.Context, ic incident.Context, action Action) (ActionResult, error)
}

// Verifier re-evaluates incident health after a remediation.
type Verifier interface {
	Verify(ctx context.Context, ic incident.Context) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, ic incident.Context, level incident.EscalationLevel) (Action, error)

// SelectRemediation implements Policy.
func (f PolicyFunc) SelectRemediation(ctx context.Context, ic incident.Context, level incident.EscalationLevel) (Action, error) {
	return f(ctx, ic, level)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ic incident.Context, action Action) (ActionResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, ic incident.Context, action Action) (ActionResult, error) {
	return f(ctx, ic, action)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, ic incident.Context) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, ic incident.Context) (bool, error) {
	return f(ctx, ic)
}
