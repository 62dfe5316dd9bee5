package orchestrator

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

func TestBuildReport(t *testing.T) {
	t.Parallel()

	o := submit(t, defaultEnv().build(t))
	waitDone(t, o)

	snap := o.Snapshot()
	rep := BuildReport(snap, history(t, o))

	if len(rep.Timeline) != len(history(t, o)) {
		t.Fatalf("timeline = %d entries, want %d", len(rep.Timeline), len(history(t, o)))
	}
	if rep.Timeline[0].Summary != "phase created -> triaging" {
		t.Errorf("timeline[0] = %q, want %q", rep.Timeline[0].Summary, "phase created -> triaging")
	}
	last := rep.Timeline[len(rep.Timeline)-1]
	if last.Kind != events.KindResolved || last.Summary != "resolved by warden" {
		t.Errorf("last entry = %s %q, want Resolved %q", last.Kind, last.Summary, "resolved by warden")
	}
	for _, want := range []string{"CPU saturation on payment-service", "P2", "1 remediation attempt(s)"} {
		if !strings.Contains(rep.Summary, want) {
			t.Errorf("summary %q missing %q", rep.Summary, want)
		}
	}
	if rep.DurationSeconds < 0 {
		t.Errorf("duration = %v, want >= 0", rep.DurationSeconds)
	}
}

func TestDescribe_UnknownPayload(t *testing.T) {
	t.Parallel()

	got := describe(events.Event{Kind: events.KindTriageComplete, Payload: 42})
	if got != string(events.KindTriageComplete) {
		t.Errorf("describe = %q, want %q", got, events.KindTriageComplete)
	}
}

// Not parallel: swaps the global tracer provider.
func TestRunSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	o := submit(t, defaultEnv().build(t))
	waitDone(t, o)

	var run *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "incident.run" {
			run = &spans[i]
		}
	}
	if run == nil {
		t.Fatalf("no incident.run span among %d spans", len(spans))
	}
	found := false
	for _, kv := range run.Attributes {
		if kv.Key == "warden.incident.id" && kv.Value.AsString() == o.ID() {
			found = true
		}
	}
	if !found {
		t.Errorf("incident.run missing warden.incident.id=%s", o.ID())
	}
	if p := o.Snapshot().Phase; p != incident.PhaseResolved {
		t.Errorf("phase = %s, want resolved", p)
	}
}
