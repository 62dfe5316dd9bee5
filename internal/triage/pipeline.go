package triage

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

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage")

// Step names, as reported in StageFailure and TriageStepComplete events.
const (
	StepEnrich   = "enrich"
	StepClassify = "classify"
	StepAssign   = "assign_responder"
)

// DefaultStepTimeout bounds a single strategy call when none is configured.
const DefaultStepTimeout = 30 * time.Second

// Result is what a successful triage hands back to the orchestrator.
type Result struct {
	Enrichment     incident.Enrichment `json:"enrichment"`
	Classification Classification      `json:"classification"`
	Responder      incident.Responder  `json:"responder"`
}

// Pipeline runs enrich, classify and assign_responder strictly in order,
// stopping at the first failing step.
type Pipeline struct {
	enricher    Enricher
	classifier  Classifier
	assigner    ResponderAssigner
	stepTimeout time.Duration
	logger      log.Logger
}

// NewPipeline creates a pipeline over the three strategies. A non-positive
// stepTimeout selects DefaultStepTimeout.
func NewPipeline(e Enricher, c Classifier, a ResponderAssigner, stepTimeout time.Duration, logger log.Logger) (*Pipeline, error) {
	if e == nil || c == nil || a == nil {
		return nil, fmt.Errorf("%w: triage pipeline needs enricher, classifier and responder assigner", incident.ErrConfiguration)
	}
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		enricher:    e,
		classifier:  c,
		assigner:    a,
		stepTimeout: stepTimeout,
		logger:      logger,
	}, nil
}

// Run triages the alert. A step error is returned as *incident.StageFailure;
// incident.ErrPreempted is returned if the emitter stops accepting events.
func (p *Pipeline) Run(ctx context.Context, incidentID string, em events.Emitter, alert incident.Alert) (*Result, error) {
	ctx, span := tracer.Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("warden.incident.id", incidentID),
		attribute.String("warden.alert.service", alert.Service),
	))
	defer span.End()

	L := p.logger.With("incident_id", incidentID, "stage", "triage")

	enrichment, err := runStep(ctx, p, incidentID, StepEnrich, func(ctx context.Context) (incident.Enrichment, error) {
		return p.enricher.Enrich(ctx, alert)
	})
	if err != nil {
		return nil, p.fail(ctx, span, L, err)
	}
	if !em.Emit(ctx, events.KindTriageStepComplete, events.TriageStep{Step: StepEnrich, Output: enrichment}) {
		return nil, incident.ErrPreempted
	}

	ec := EnrichedContext{Alert: alert, Enrichment: enrichment}

	class, err := runStep(ctx, p, incidentID, StepClassify, func(ctx context.Context) (Classification, error) {
		return p.classifier.Classify(ctx, ec)
	})
	if err == nil {
		sev, perr := incident.ParseSeverity(string(class.Severity))
		if perr != nil {
			err = &incident.StageFailure{Stage: StepClassify, Err: perr}
		}
		class.Severity = sev
	}
	if err != nil {
		return nil, p.fail(ctx, span, L, err)
	}
	if !em.Emit(ctx, events.KindTriageStepComplete, events.TriageStep{Step: StepClassify, Output: class}) {
		return nil, incident.ErrPreempted
	}

	responder, err := runStep(ctx, p, incidentID, StepAssign, func(ctx context.Context) (incident.Responder, error) {
		return p.assigner.AssignResponder(ctx, ec, class.Severity)
	})
	if err != nil {
		return nil, p.fail(ctx, span, L, err)
	}
	if !em.Emit(ctx, events.KindTriageStepComplete, events.TriageStep{Step: StepAssign, Output: responder}) {
		return nil, incident.ErrPreempted
	}

	res := &Result{Enrichment: enrichment, Classification: class, Responder: responder}
	if !em.Emit(ctx, events.KindTriageComplete, events.TriageComplete{
		Severity:  class.Severity,
		Category:  class.Category,
		Responder: &res.Responder,
	}) {
		return nil, incident.ErrPreempted
	}

	span.SetAttributes(
		attribute.String("warden.incident.severity", string(class.Severity)),
		attribute.String("warden.incident.category", class.Category),
	)
	L.Info(ctx, "triage complete",
		"severity", class.Severity,
		"category", class.Category,
		"responder_team", responder.Team,
	)
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, L log.Logger, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	L.Error(ctx, err, "triage stage failed")
	return err
}

func runStep[T any](ctx context.Context, p *Pipeline, incidentID, step string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "triage.step", trace.WithAttributes(
		attribute.String("warden.incident.id", incidentID),
		attribute.String("warden.triage.step", step),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, &incident.StageFailure{Stage: step, Err: err}
	}
	return out, nil
}
