package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/diagnostics"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnPhaseChange func(ctx context.Context, from, to incident.Phase)
	OnAttempt     func(ctx context.Context, attempt incident.RemediationAttempt)
	OnEscalate    func(ctx context.Context, esc incident.Escalation)
	OnComplete    func(ctx context.Context, ev *CompleteEvent)
}

// CompleteEvent describes an incident reaching a terminal phase.
type CompleteEvent struct {
	IncidentID string
	Phase      incident.Phase
	Severity   incident.Severity
	Manual     bool
	Attempts   int
	Duration   time.Duration
	StageError string
}

// Deps are the collaborators a Workflow composes.
type Deps struct {
	Bus          *events.Bus
	Pipeline     *triage.Pipeline
	Runner       *diagnostics.Runner
	Checks       []diagnostics.Check
	CheckTimeout time.Duration
	Loop         *escalation.Loop
	Sinks        []Sink
	Hooks        Hooks
	Logger       log.Logger
}

// Workflow is the validated, immutable composition of stages shared by
// every incident's orchestrator.
type Workflow struct {
	bus          *events.Bus
	pipeline     *triage.Pipeline
	runner       *diagnostics.Runner
	checks       []diagnostics.Check
	checkTimeout time.Duration
	loop         *escalation.Loop
	sinks        []Sink
	hooks        Hooks
	logger       log.Logger
	now          func() time.Time
}

// NewWorkflow validates d. Misconfiguration is reported as
// incident.ErrConfiguration so it fails at startup rather than per incident.
func NewWorkflow(d Deps) (*Workflow, error) {
	if d.Bus == nil || d.Pipeline == nil || d.Loop == nil {
		return nil, fmt.Errorf("%w: workflow needs an event bus, triage pipeline and escalation loop", incident.ErrConfiguration)
	}
	if err := diagnostics.Validate(d.Checks, d.CheckTimeout); err != nil {
		return nil, err
	}
	runner := d.Runner
	if runner == nil {
		runner = diagnostics.NewRunner(d.Logger, diagnostics.Hooks{})
	}
	logger := d.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Workflow{
		bus:          d.Bus,
		pipeline:     d.Pipeline,
		runner:       runner,
		checks:       append([]diagnostics.Check(nil), d.Checks...),
		checkTimeout: d.CheckTimeout,
		loop:         d.Loop,
		sinks:        append([]Sink(nil), d.Sinks...),
		hooks:        d.Hooks,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Bus returns the event bus incidents publish to.
func (w *Workflow) Bus() *events.Bus { return w.bus }

// MaxLevel returns the escalation ceiling.
func (w *Workflow) MaxLevel() incident.EscalationLevel { return w.loop.MaxLevel() }

// NewOrchestrator returns an orchestrator for a new incident with the
// given identifier. Nothing happens until Submit.
func (w *Workflow) NewOrchestrator(id string) *Orchestrator {
	return &Orchestrator{
		wf:     w,
		id:     id,
		logger: w.logger.With("incident_id", id),
	}
}
