package pgarchive_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/archive/pgarchive"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

func openStore(t *testing.T) *pgarchive.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	s, err := pgarchive.New(context.Background(), dsn, log.Nop())
	if err != nil {
		t.Fatalf("pgarchive.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func closedIncident(now time.Time) (*incident.Incident, []events.Event) {
	id := ulid.Make().String()
	inc := incident.New(id, incident.Alert{ID: "a-1", Title: "HighCPU", Service: "payment-service"}, now)
	inc.Phase = incident.PhaseResolved
	inc.Severity = incident.SeverityHigh
	inc.Category = "resource"
	inc.Attempts = append(inc.Attempts, incident.RemediationAttempt{Iteration: 1, ActionID: "restart_service", Success: true, At: now})
	inc.Resolution = &incident.Resolution{Phase: incident.PhaseResolved, Actor: "warden", At: now.Add(time.Minute)}
	inc.UpdatedAt = inc.Resolution.At

	history := []events.Event{
		{IncidentID: id, Seq: 1, Kind: events.KindPhaseChanged, Payload: events.PhaseChanged{From: incident.PhaseCreated, To: incident.PhaseTriaging}, At: now},
		{IncidentID: id, Seq: 2, Kind: events.KindRemediationOutcome, Payload: events.RemediationOutcome{Iteration: 1, ActionID: "restart_service", Success: true}, At: now.Add(time.Second)},
		{IncidentID: id, Seq: 3, Kind: events.KindResolved, Payload: events.Terminal{Resolution: *inc.Resolution}, At: now.Add(time.Minute)},
	}
	return inc, history
}

func TestArchiveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	inc, history := closedIncident(now)
	if err := s.OnTerminal(ctx, inc, history); err != nil {
		t.Fatalf("OnTerminal: %v", err)
	}

	rep, ok, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if rep.Incident.Phase != incident.PhaseResolved {
		t.Errorf("Phase = %q, want resolved", rep.Incident.Phase)
	}
	if len(rep.Incident.Attempts) != 1 {
		t.Errorf("Attempts = %d, want 1", len(rep.Incident.Attempts))
	}
	if rep.DurationSeconds != 60 {
		t.Errorf("DurationSeconds = %v, want 60", rep.DurationSeconds)
	}
	if len(rep.Timeline) != 3 {
		t.Fatalf("Timeline = %d entries, want 3", len(rep.Timeline))
	}
	if rep.Timeline[0].Summary != "phase created -> triaging" {
		t.Errorf("Timeline[0] = %q", rep.Timeline[0].Summary)
	}
	if rep.Timeline[2].Kind != events.KindResolved {
		t.Errorf("Timeline[2].Kind = %q, want Resolved", rep.Timeline[2].Kind)
	}
}

func TestArchive_ReopenedIncidentAppends(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	inc, history := closedIncident(now)
	if err := s.OnTerminal(ctx, inc, history); err != nil {
		t.Fatalf("first OnTerminal: %v", err)
	}

	inc.Reopens = 1
	inc.Phase = incident.PhaseHumanTakeover
	inc.Resolution = &incident.Resolution{Phase: incident.PhaseHumanTakeover, Actor: "alice", Manual: true, At: now.Add(2 * time.Minute)}
	history = append(history,
		events.Event{IncidentID: inc.ID, Seq: 4, Kind: events.KindPhaseChanged, Payload: events.PhaseChanged{From: incident.PhaseResolved, To: incident.PhaseDiagnosing}, At: now.Add(90 * time.Second)},
		events.Event{IncidentID: inc.ID, Seq: 5, Kind: events.KindHumanTakeoverRequested, Payload: events.Terminal{Resolution: *inc.Resolution}, At: now.Add(2 * time.Minute)},
	)
	if err := s.OnTerminal(ctx, inc, history); err != nil {
		t.Fatalf("second OnTerminal: %v", err)
	}

	rep, _, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rep.Incident.Phase != incident.PhaseHumanTakeover || rep.Incident.Reopens != 1 {
		t.Errorf("incident = %s reopens=%d, want human_takeover reopens=1", rep.Incident.Phase, rep.Incident.Reopens)
	}
	if len(rep.Timeline) != 5 {
		t.Errorf("Timeline = %d entries, want 5", len(rep.Timeline))
	}
}

func TestGet_Missing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing incident")
	}
}

func TestPurge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour).Truncate(time.Microsecond).UTC()

	inc, history := closedIncident(old)
	if err := s.OnTerminal(ctx, inc, history); err != nil {
		t.Fatalf("OnTerminal: %v", err)
	}
	n, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n < 1 {
		t.Errorf("Purge removed %d rows, want at least 1", n)
	}
	if _, ok, _ := s.Get(ctx, inc.ID); ok {
		t.Error("purged incident still present")
	}
}
