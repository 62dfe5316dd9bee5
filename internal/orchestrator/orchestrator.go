package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/orchestrator")

// automationActor is the resolution actor for outcomes reached without an operator.
const automationActor = "warden"

// Orchestrator owns one incident. All mutation happens under mu, which also
// serializes event publication so the log order matches the order in which
// changes were applied.
type Orchestrator struct {
	wf     *Workflow
	id     string
	logger log.Logger

	mu  sync.Mutex
	inc *incident.Incident
	// cur is the automated run allowed to mutate the incident. A manual
	// terminal transition clears it, which is how a run observes preemption.
	cur *run
	// diagFrom indexes the first diagnostic result of the latest round.
	diagFrom int
	// closed is set once the incident is evicted; it can no longer be reopened.
	closed bool
	last     *run
}

// run is one automated pass over the workflow: the initial one started by
// Submit, or a later one started by a reopen.
type run struct {
	done chan struct{}
}

// ID returns the incident identifier.
func (o *Orchestrator) ID() string { return o.id }

// Submit creates the incident record and starts automation in the
// background. ctx only scopes values such as trace and logger; cancelling
// it does not stop the run.
func (o *Orchestrator) Submit(ctx context.Context, alert incident.Alert) error {
	o.mu.Lock()
	if o.inc != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: incident %s already submitted", incident.ErrInvalidTransition, o.id)
	}
	if err := o.wf.bus.Open(o.id); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("open event stream: %w", err)
	}
	o.inc = incident.New(o.id, alert, o.wf.now().UTC())
	r := o.startRunLocked()
	o.mu.Unlock()

	o.logger.Info(ctx, "incident created", "service", alert.Service, "title", alert.Title)
	go o.drive(context.WithoutCancel(ctx), r, incident.PhaseCreated)
	return nil
}

// Snapshot returns a deep copy of the incident, or nil before Submit.
func (o *Orchestrator) Snapshot() *incident.Incident {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inc == nil {
		return nil
	}
	return o.inc.Clone()
}

// Done returns a channel closed when the most recent automated run has
// stopped (terminal, failed triage, or preempted).
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.last.done
}

// Close releases a terminal incident's event log and marks the
// orchestrator closed so a later reopen fails with incident.ErrNotFound.
// Active incidents are refused with incident.ErrInvalidTransition.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if o.inc != nil && !o.inc.Phase.Terminal() {
		return fmt.Errorf("%w: incident %s is %s", incident.ErrInvalidTransition, o.id, o.inc.Phase)
	}
	o.closed = true
	o.wf.bus.Remove(o.id)
	return nil
}

// History returns the incident's events after the given sequence number.
func (o *Orchestrator) History(after uint64) ([]events.Event, error) {
	return o.wf.bus.History(o.id, after)
}

func (o *Orchestrator) startRunLocked() *run {
	r := &run{done: make(chan struct{})}
	o.cur = r
	o.last = r
	return r
}

// drive runs the workflow from the given phase: PhaseCreated for a fresh
// incident, or PhaseDiagnosing after a reopen.
func (o *Orchestrator) drive(ctx context.Context, r *run, from incident.Phase) {
	defer close(r.done)

	ctx, span := tracer.Start(ctx, "incident.run", trace.WithAttributes(
		attribute.String("warden.incident.id", o.id),
		attribute.String("warden.run.start_phase", string(from)),
	))
	defer span.End()
	ctx = log.WithContext(ctx, o.logger)

	err := o.runStages(ctx, r, from)
	switch {
	case err == nil:
	case errors.Is(err, incident.ErrPreempted):
		o.logger.Info(ctx, "automated run preempted by manual transition")
		span.SetAttributes(attribute.Bool("warden.run.preempted", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (o *Orchestrator) runStages(ctx context.Context, r *run, from incident.Phase) error {
	if from == incident.PhaseCreated {
		if !o.transition(ctx, r, incident.PhaseTriaging) {
			return incident.ErrPreempted
		}

		o.mu.Lock()
		alert := o.inc.Alert.Clone()
		o.mu.Unlock()

		res, err := o.wf.pipeline.Run(ctx, o.id, o.emitter(r), alert)
		if err != nil {
			var sf *incident.StageFailure
			if errors.As(err, &sf) {
				o.failTriage(ctx, r, sf)
			}
			return err
		}

		o.mu.Lock()
		if o.cur != r {
			o.mu.Unlock()
			return incident.ErrPreempted
		}
		o.inc.Enrichment = &res.Enrichment
		o.inc.Severity = res.Classification.Severity
		o.inc.Category = res.Classification.Category
		o.inc.Responder = &res.Responder
		o.inc.UpdatedAt = o.wf.now().UTC()
		o.mu.Unlock()

		if !o.transition(ctx, r, incident.PhaseDiagnosing) {
			return incident.ErrPreempted
		}
	}

	o.mu.Lock()
	ic := o.contextLocked()
	o.mu.Unlock()

	results, err := o.wf.runner.Run(ctx, o.emitter(r), ic, o.wf.checks, o.wf.checkTimeout)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.cur != r {
		o.mu.Unlock()
		return incident.ErrPreempted
	}
	o.diagFrom = len(o.inc.Diagnostics)
	o.inc.Diagnostics = append(o.inc.Diagnostics, results...)
	o.inc.UpdatedAt = o.wf.now().UTC()
	o.mu.Unlock()

	if !o.transition(ctx, r, incident.PhaseRemediating) {
		return incident.ErrPreempted
	}

	switch outcome := o.wf.loop.Run(ctx, &loopState{o: o, r: r}); outcome {
	case escalation.OutcomeResolved:
		o.finish(ctx, r, incident.PhaseResolved, incident.Resolution{
			Actor:   automationActor,
			Summary: "service health verified after remediation",
		})
	case escalation.OutcomeExhausted:
		o.finish(ctx, r, incident.PhaseHumanTakeover, incident.Resolution{
			Actor:  automationActor,
			Reason: "automated remediation exhausted",
		})
	default:
		return incident.ErrPreempted
	}
	return nil
}

func (o *Orchestrator) failTriage(ctx context.Context, r *run, sf *incident.StageFailure) {
	o.mu.Lock()
	if o.cur == r {
		o.inc.Failure = &incident.FailureRecord{Stage: sf.Stage, Error: sf.Err.Error(), At: o.wf.now().UTC()}
	}
	o.mu.Unlock()

	o.finish(ctx, r, incident.PhaseHumanTakeover, incident.Resolution{
		Actor:  automationActor,
		Reason: fmt.Sprintf("triage step %s failed: %v", sf.Stage, sf.Err),
	})
}

// emitter returns an Emitter bound to run r.
func (o *Orchestrator) emitter(r *run) events.Emitter {
	return events.EmitterFunc(func(ctx context.Context, kind events.Kind, payload any) bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.cur != r {
			return false
		}
		return o.publishLocked(ctx, kind, payload)
	})
}

func (o *Orchestrator) publishLocked(ctx context.Context, kind events.Kind, payload any) bool {
	if _, err := o.wf.bus.Publish(o.id, kind, payload); err != nil {
		o.logger.Error(ctx, err, "publish event failed", "kind", kind)
		return false
	}
	return true
}

// transition moves r's incident to phase to if r is still the active run.
func (o *Orchestrator) transition(ctx context.Context, r *run, to incident.Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != r {
		return false
	}
	return o.setPhaseLocked(ctx, to) == nil
}

func (o *Orchestrator) setPhaseLocked(ctx context.Context, to incident.Phase) error {
	from := o.inc.Phase
	if err := incident.CheckTransition(from, to); err != nil {
		return err
	}
	o.inc.Phase = to
	o.inc.UpdatedAt = o.wf.now().UTC()
	o.publishLocked(ctx, events.KindPhaseChanged, events.PhaseChanged{From: from, To: to})
	if o.wf.hooks.OnPhaseChange != nil {
		o.wf.hooks.OnPhaseChange(ctx, from, to)
	}
	o.logger.Info(ctx, "phase changed", "from", from, "to", to)
	return nil
}

// finish applies an automated terminal outcome if r is still active.
func (o *Orchestrator) finish(ctx context.Context, r *run, phase incident.Phase, res incident.Resolution) bool {
	o.mu.Lock()
	if o.cur != r {
		o.mu.Unlock()
		return false
	}
	done, err := o.terminateLocked(ctx, phase, res)
	o.mu.Unlock()
	if err != nil {
		o.logger.Error(ctx, err, "terminal transition failed", "phase", phase)
		return false
	}
	done()
	return true
}

// terminateLocked records a terminal phase, publishes the terminal event as
// the last event of the run, seals the stream and detaches the active run.
// The returned func delivers notifications and must be called without mu held.
func (o *Orchestrator) terminateLocked(ctx context.Context, phase incident.Phase, res incident.Resolution) (func(), error) {
	if err := o.setPhaseLocked(ctx, phase); err != nil {
		return nil, err
	}
	res.Phase = phase
	res.At = o.wf.now().UTC()
	o.inc.Resolution = &res
	o.cur = nil

	kind := events.KindResolved
	if phase == incident.PhaseHumanTakeover {
		kind = events.KindHumanTakeoverRequested
	}
	o.publishLocked(ctx, kind, events.Terminal{Resolution: res})
	if err := o.wf.bus.Seal(o.id); err != nil {
		o.logger.Error(ctx, err, "seal event stream failed")
	}

	snap := o.inc.Clone()
	history, err := o.wf.bus.History(o.id, 0)
	if err != nil {
		o.logger.Error(ctx, err, "load event history")
	}
	ev := &CompleteEvent{
		IncidentID: snap.ID,
		Phase:      phase,
		Severity:   snap.Severity,
		Manual:     res.Manual,
		Attempts:   len(snap.Attempts),
		Duration:   res.At.Sub(snap.CreatedAt),
	}
	if snap.Failure != nil {
		ev.StageError = snap.Failure.Stage
	}
	o.logger.Info(ctx, "incident terminal",
		"phase", phase,
		"actor", res.Actor,
		"manual", res.Manual,
		"attempts", ev.Attempts,
		"escalation_level", snap.Level.String(),
	)

	return func() {
		if o.wf.hooks.OnComplete != nil {
			o.wf.hooks.OnComplete(ctx, ev)
		}
		o.notifySinks(ctx, snap, history)
	}, nil
}

// contextLocked is the strategy view of the incident with only the latest
// diagnostics round.
func (o *Orchestrator) contextLocked() incident.Context {
	ic := o.inc.Context()
	if o.diagFrom <= len(ic.Diagnostics) {
		ic.Diagnostics = ic.Diagnostics[o.diagFrom:]
	}
	return ic
}
