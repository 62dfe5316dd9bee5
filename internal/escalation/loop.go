// Package escalation implements the bounded remediate, verify, escalate
// loop that runs after diagnostics.
package escalation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/escalation")

const (
	DefaultMaxIterations = 3
	DefaultActionTimeout = 120 * time.Second
	DefaultCallTimeout   = 30 * time.Second
)

// Outcome is how a loop run ended.
type Outcome string

const (
	// OutcomeResolved means a verification succeeded.
	OutcomeResolved Outcome = "resolved"

	// OutcomeExhausted means the iteration budget or the escalation
	// ceiling was reached without a successful verification.
	OutcomeExhausted Outcome = "exhausted"

	// OutcomeAborted means a manual resolve or takeover was observed at a boundary.
	OutcomeAborted Outcome = "aborted"
)

// State is the loop's window onto the incident it is working on. The
// orchestrator implements it so that recording and preemption checks are
// serialized with manual control calls. Every method that reports a bool
// returns false once the run has been preempted, and the loop then stops.
type State interface {
	events.Emitter

	// Context returns the current incident view, including the escalation
	// level and the diagnostics gathered so far.
	Context() incident.Context

	// Preempted reports whether a manual terminal transition was recorded.
	Preempted() bool

	// Record appends the attempt to the incident and, when it carries a
	// verification result, emits the VerificationOutcome event with it.
	Record(ctx context.Context, attempt incident.RemediationAttempt) bool

	// Escalate raises the escalation level by one, emits Escalated and
	// returns the new level.
	Escalate(ctx context.Context, reason string) (incident.EscalationLevel, bool)
}

// Config bounds a loop run.
type Config struct {
	MaxIterations int
	MaxLevel      incident.EscalationLevel // ceiling; a level above it ends the loop
	ActionTimeout time.Duration
	CallTimeout   time.Duration // bounds policy selection and verification
}

// DefaultConfig returns three iterations with an L4 ceiling.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		MaxLevel:      incident.LevelManagement,
		ActionTimeout: DefaultActionTimeout,
		CallTimeout:   DefaultCallTimeout,
	}
}

// Loop runs remediation rounds for one incident at a time. It holds no
// per-incident state and may be shared.
type Loop struct {
	cfg      Config
	policy   Policy
	executor Executor
	verifier Verifier
	logger   log.Logger
	now      func() time.Time
}

// NewLoop validates cfg and returns a Loop.
func NewLoop(cfg Config, policy Policy, executor Executor, verifier Verifier, logger log.Logger) (*Loop, error) {
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("%w: max iterations must be positive, got %d", incident.ErrConfiguration, cfg.MaxIterations)
	}
	if cfg.MaxLevel < incident.LevelAuto {
		return nil, fmt.Errorf("%w: escalation ceiling must be at least %s", incident.ErrConfiguration, incident.LevelAuto)
	}
	if cfg.ActionTimeout <= 0 || cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("%w: action and verify timeouts must be positive", incident.ErrConfiguration)
	}
	if policy == nil || executor == nil || verifier == nil {
		return nil, fmt.Errorf("%w: escalation loop needs policy, executor and verifier", incident.ErrConfiguration)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Loop{
		cfg:      cfg,
		policy:   policy,
		executor: executor,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// MaxIterations returns the configured iteration budget.
func (l *Loop) MaxIterations() int { return l.cfg.MaxIterations }

// MaxLevel returns the configured escalation ceiling.
func (l *Loop) MaxLevel() incident.EscalationLevel { return l.cfg.MaxLevel }

// Run drives iterations until a verification succeeds, the budget runs
// out, or a boundary check observes preemption. In-flight policy, action
// and verification calls are never interrupted by preemption.
func (l *Loop) Run(ctx context.Context, st State) Outcome {
	ic := st.Context()
	ctx, span := tracer.Start(ctx, "escalation.run", trace.WithAttributes(
		attribute.String("warden.incident.id", ic.IncidentID),
		attribute.Int("warden.escalation.max_iterations", l.cfg.MaxIterations),
	))
	defer span.End()

	L := l.logger.With("incident_id", ic.IncidentID, "stage", "remediation")

	outcome := l.run(ctx, st, L)
	span.SetAttributes(attribute.String("warden.escalation.outcome", string(outcome)))
	L.Info(ctx, "escalation loop finished", "outcome", outcome)
	return outcome
}

func (l *Loop) run(ctx context.Context, st State, L log.Logger) Outcome {
	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		if st.Preempted() {
			return OutcomeAborted
		}

		ic := st.Context()
		if !st.Emit(ctx, events.KindLoopIterationStart, events.IterationStart{Iteration: iter, Level: ic.Level}) {
			return OutcomeAborted
		}

		attempt, healthy, ok := l.iterate(ctx, st, ic, iter, L)
		if !ok || !st.Record(ctx, attempt) {
			return OutcomeAborted
		}
		if healthy {
			return OutcomeResolved
		}

		level, ok := st.Escalate(ctx, fmt.Sprintf("remediation iteration %d did not restore health", iter))
		if !ok {
			return OutcomeAborted
		}
		if level > l.cfg.MaxLevel || iter >= l.cfg.MaxIterations {
			return OutcomeExhausted
		}
	}
	return OutcomeExhausted
}

// iterate performs one remediate and verify round. ok is false when the
// remediation outcome could not be emitted because the run was preempted.
func (l *Loop) iterate(ctx context.Context, st State, ic incident.Context, iter int, L log.Logger) (attempt incident.RemediationAttempt, healthy, ok bool) {
	ctx, span := tracer.Start(ctx, "escalation.iteration", trace.WithAttributes(
		attribute.String("warden.incident.id", ic.IncidentID),
		attribute.Int("warden.escalation.iteration", iter),
		attribute.String("warden.escalation.level", ic.Level.String()),
	))
	defer span.End()

	attempt = incident.RemediationAttempt{Iteration: iter, Level: ic.Level}

	action, err := l.selectAction(ctx, ic)
	if err == nil {
		attempt.ActionID = action.ID
		attempt.RunbookID = action.RunbookID
		span.SetAttributes(attribute.String("warden.escalation.action", action.ID))

		var res ActionResult
		res, err = l.execute(ctx, ic, action)
		attempt.Success = err == nil && res.Success
		attempt.Output = res.Output
	} else {
		err = fmt.Errorf("select remediation: %w", err)
	}
	attempt.At = l.now().UTC()

	if err != nil {
		attempt.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Warn(ctx, "remediation failed", "iteration", iter, "action", attempt.ActionID, "error", err.Error())
	}

	if !st.Emit(ctx, events.KindRemediationOutcome, events.RemediationOutcome{
		Iteration: iter,
		ActionID:  attempt.ActionID,
		RunbookID: attempt.RunbookID,
		Success:   attempt.Success,
		Output:    attempt.Output,
		Error:     attempt.Error,
	}) {
		return attempt, false, false
	}

	if err != nil {
		// A failed action is a failed iteration; there is nothing to verify.
		return attempt, false, true
	}

	healthy = l.verify(ctx, ic, L)
	attempt.Verified = &healthy
	span.SetAttributes(attribute.Bool("warden.escalation.healthy", healthy))
	return attempt, healthy, true
}

func (l *Loop) selectAction(ctx context.Context, ic incident.Context) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	action, err := l.policy.SelectRemediation(ctx, ic, ic.Level)
	if err == nil && action.ID == "" {
		err = fmt.Errorf("policy returned an action without an id")
	}
	return action, err
}

func (l *Loop) execute(ctx context.Context, ic incident.Context, action Action) (ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ActionTimeout)
	defer cancel()
	return l.executor.Execute(ctx, ic, action)
}

func (l *Loop) verify(ctx context.Context, ic incident.Context, L log.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	healthy, err := l.verifier.Verify(ctx, ic)
	if err != nil {
		L.Warn(ctx, "verification failed, treating as unhealthy", "error", err.Error())
		return false
	}
	return healthy
}
