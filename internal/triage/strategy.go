package triage

import (
	"context"

	"github.com/linnemanlabs/warden/internal/incident"
)

// EnrichedContext is the alert plus what enrichment learned about it.
type EnrichedContext struct {
	Alert      incident.Alert      `json:"alert"`
	Enrichment incident.Enrichment `json:"enrichment"`
}

// Classification is the classifier's verdict.
type Classification struct {
	Severity  incident.Severity `json:"severity"`
	Category  string            `json:"category"`
	Reasoning string            `json:"reasoning,omitempty"`
}

// Enricher gathers service context for an alert.
type Enricher interface {
	Enrich(ctx context.Context, alert incident.Alert) (incident.Enrichment, error)
}

// Classifier decides severity and category.
type Classifier interface {
	Classify(ctx context.Context, ec EnrichedContext) (Classification, error)
}

// ResponderAssigner picks who owns the incident.
type ResponderAssigner interface {
	AssignResponder(ctx context.Context, ec EnrichedContext, severity incident.Severity) (incident.Responder, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, alert incident.Alert) (incident.Enrichment, error)

// Enrich implements Enricher.
func (f EnricherFunc) Enrich(ctx context.Context, alert incident.Alert) (incident.Enrichment, error) {
	return f(ctx, alert)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, ec EnrichedContext) (Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, ec EnrichedContext) (Classification, error) {
	return f(ctx, ec)
}

// ResponderFunc adapts a function to ResponderAssigner.
type ResponderFunc func(ctx context.Context, ec EnrichedContext, severity incident.Severity) (incident.Responder, error)

// AssignResponder implements ResponderAssigner.
func (f ResponderFunc) AssignResponder(ctx context.Context, ec EnrichedContext, severity incident.Severity) (incident.Responder, error) {
	return f(ctx, ec, severity)
}
