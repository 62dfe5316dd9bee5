package orchestrator

import (
	"context"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

// loopState adapts an orchestrator run to escalation.State. Every method
// takes the orchestrator lock, so a manual resolve or takeover is either
// applied before a loop mutation (which then fails) or after it.
type loopState struct {
	o *Orchestrator
	r *run
}

func (s *loopState) Emit(ctx context.Context, kind events.Kind, payload any) bool {
	return s.o.emitter(s.r).Emit(ctx, kind, payload)
}

func (s *loopState) Context() incident.Context {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	return s.o.contextLocked()
}

func (s *loopState) Preempted() bool {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	return s.o.cur != s.r
}

func (s *loopState) Record(ctx context.Context, a incident.RemediationAttempt) bool {
	o := s.o
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != s.r {
		o.logger.Warn(ctx, "discarding remediation result after manual transition",
			"iteration", a.Iteration,
			"action", a.ActionID,
		)
		return false
	}
	o.inc.Attempts = append(o.inc.Attempts, a)
	o.inc.UpdatedAt = o.wf.now().UTC()
	if a.Verified != nil {
		o.publishLocked(ctx, events.KindVerificationOutcome, events.VerificationOutcome{
			Iteration: a.Iteration,
			Healthy:   *a.Verified,
		})
	}
	if o.wf.hooks.OnAttempt != nil {
		o.wf.hooks.OnAttempt(ctx, a)
	}
	return true
}

func (s *loopState) Escalate(ctx context.Context, reason string) (incident.EscalationLevel, bool) {
	o := s.o
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != s.r {
		return o.inc.Level, false
	}
	o.raiseLevelLocked(ctx, o.inc.Level+1, reason, false)
	return o.inc.Level, true
}
