package orchestrator

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

// EscalateRequest is a manual escalation. Level is the target level; zero
// means one above the current level. Reopen must be set to restart
// automation on a terminal incident.
type EscalateRequest struct {
	Actor  string                   `json:"actor,omitempty"`
	Reason string                   `json:"reason,omitempty"`
	Level  incident.EscalationLevel `json:"level,omitempty"`
	Reopen bool                     `json:"reopen,omitempty"`
}

// ResolveRequest is a manual resolution.
type ResolveRequest struct {
	Actor   string `json:"actor,omitempty"`
	Summary string `json:"summary"`
}

// TakeoverRequest hands the incident to an operator.
type TakeoverRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

// Escalate raises the escalation level of an active incident to req.Level
// (or by one); the running loop picks the new level up at its next
// iteration. A target at or below the current level, or above the ceiling,
// fails with incident.ErrInvalidTransition. On a terminal incident it
// reopens (back to diagnosing, at the target level) when req.Reopen is set
// and fails with incident.ErrInvalidTransition otherwise.
func (o *Orchestrator) Escalate(ctx context.Context, req EscalateRequest) (*incident.Incident, error) {
	o.mu.Lock()
	if o.inc == nil {
		o.mu.Unlock()
		return nil, incident.ErrNotFound
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual escalation"
	}

	if !o.inc.Phase.Terminal() {
		target, err := o.targetLevelLocked(req.Level)
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.raiseLevelLocked(ctx, target, reason, true)
		snap := o.inc.Clone()
		o.mu.Unlock()
		return snap, nil
	}

	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s was evicted", incident.ErrNotFound, o.id)
	}
	if !req.Reopen {
		phase := o.inc.Phase
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: incident is %s; set reopen to restart automation", incident.ErrInvalidTransition, phase)
	}

	if err := incident.CheckTransition(o.inc.Phase, incident.PhaseDiagnosing); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	// An explicit target must be valid; without one a reopen at the
	// ceiling keeps the current level.
	target, levelErr := o.targetLevelLocked(req.Level)
	if levelErr != nil && req.Level != 0 {
		o.mu.Unlock()
		return nil, levelErr
	}
	if err := o.wf.bus.Unseal(o.id); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("reopen event stream: %w", err)
	}
	_ = o.setPhaseLocked(ctx, incident.PhaseDiagnosing)
	o.inc.Resolution = nil
	o.inc.Reopens++
	if levelErr == nil {
		o.raiseLevelLocked(ctx, target, "reopened: "+reason, true)
	}
	r := o.startRunLocked()
	snap := o.inc.Clone()
	o.mu.Unlock()

	o.logger.Info(ctx, "incident reopened", "actor", req.Actor, "reason", reason, "reopens", snap.Reopens)
	go o.drive(context.WithoutCancel(ctx), r, incident.PhaseDiagnosing)
	return snap, nil
}

// Resolve marks the incident resolved. On an already terminal incident it
// changes nothing and returns the recorded state.
func (o *Orchestrator) Resolve(ctx context.Context, req ResolveRequest) (*incident.Incident, error) {
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}
	return o.manualTerminal(ctx, incident.PhaseResolved, incident.Resolution{
		Actor:   actor,
		Summary: req.Summary,
		Manual:  true,
	})
}

// Takeover hands the incident to a human operator. On an already terminal
// incident it changes nothing and returns the recorded state.
func (o *Orchestrator) Takeover(ctx context.Context, req TakeoverRequest) (*incident.Incident, error) {
	operator := req.Operator
	if operator == "" {
		operator = "operator"
	}
	return o.manualTerminal(ctx, incident.PhaseHumanTakeover, incident.Resolution{
		Actor:  operator,
		Reason: req.Reason,
		Manual: true,
	})
}

func (o *Orchestrator) manualTerminal(ctx context.Context, phase incident.Phase, res incident.Resolution) (*incident.Incident, error) {
	o.mu.Lock()
	if o.inc == nil {
		o.mu.Unlock()
		return nil, incident.ErrNotFound
	}
	if o.inc.Phase.Terminal() {
		snap := o.inc.Clone()
		o.mu.Unlock()
		return snap, nil
	}

	// Detaching the run first means its next boundary check fails, and
	// anything it produces from an in-flight call is discarded.
	o.cur = nil
	done, err := o.terminateLocked(ctx, phase, res)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	snap := o.inc.Clone()
	o.mu.Unlock()

	done()
	return snap, nil
}

// targetLevelLocked resolves a requested escalation level; zero means one
// above the current level.
func (o *Orchestrator) targetLevelLocked(requested incident.EscalationLevel) (incident.EscalationLevel, error) {
	target := requested
	if target == 0 {
		target = o.inc.Level + 1
	}
	switch {
	case target <= o.inc.Level:
		return 0, fmt.Errorf("%w: incident is already at %s", incident.ErrInvalidTransition, o.inc.Level)
	case target > o.wf.MaxLevel():
		if requested == 0 {
			return 0, fmt.Errorf("%w: already at escalation ceiling %s", incident.ErrInvalidTransition, o.inc.Level)
		}
		return 0, fmt.Errorf("%w: %s is above the escalation ceiling %s", incident.ErrInvalidTransition, target, o.wf.MaxLevel())
	}
	return target, nil
}

// raiseLevelLocked moves the escalation level to `to` and publishes Escalated.
func (o *Orchestrator) raiseLevelLocked(ctx context.Context, to incident.EscalationLevel, reason string, manual bool) {
	esc := incident.Escalation{
		From:   o.inc.Level,
		To:     to,
		Reason: reason,
		Manual: manual,
		At:     o.wf.now().UTC(),
	}
	o.inc.Level = esc.To
	o.inc.Escalations = append(o.inc.Escalations, esc)
	o.inc.UpdatedAt = esc.At
	o.publishLocked(ctx, events.KindEscalated, events.Escalated{
		From:   esc.From,
		To:     esc.To,
		Reason: reason,
		Manual: manual,
	})
	if o.wf.hooks.OnEscalate != nil {
		o.wf.hooks.OnEscalate(ctx, esc)
	}
}
