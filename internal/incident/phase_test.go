package incident

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseCreated, PhaseTriaging, true},
		{PhaseTriaging, PhaseDiagnosing, true},
		{PhaseTriaging, PhaseHumanTakeover, true},
		{PhaseDiagnosing, PhaseRemediating, true},
		{PhaseRemediating, PhaseResolved, true},
		{PhaseRemediating, PhaseHumanTakeover, true},
		{PhaseResolved, PhaseDiagnosing, true},
		{PhaseHumanTakeover, PhaseDiagnosing, true},

		{PhaseCreated, PhaseDiagnosing, false},
		{PhaseCreated, PhaseRemediating, false},
		{PhaseTriaging, PhaseRemediating, false},
		{PhaseDiagnosing, PhaseTriaging, false},
		{PhaseRemediating, PhaseDiagnosing, false},
		{PhaseResolved, PhaseHumanTakeover, false},
		{PhaseHumanTakeover, PhaseResolved, false},
		{PhaseResolved, PhaseResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	t.Parallel()

	err := CheckTransition(PhaseResolved, PhaseRemediating)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if err := CheckTransition(PhaseCreated, PhaseTriaging); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPhase_Terminal(t *testing.T) {
	t.Parallel()

	for _, p := range []Phase{PhaseCreated, PhaseTriaging, PhaseDiagnosing, PhaseRemediating} {
		if p.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", p)
		}
	}
	for _, p := range []Phase{PhaseResolved, PhaseHumanTakeover} {
		if !p.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", p)
		}
	}
	if Phase("bogus").Valid() {
		t.Error("bogus phase reported valid")
	}
}

func TestStageFailure_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("catalog unavailable")
	var err error = &StageFailure{Stage: "enrich", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	var sf *StageFailure
	if !errors.As(err, &sf) || sf.Stage != "enrich" {
		t.Errorf("errors.As stage = %v", sf)
	}
}
