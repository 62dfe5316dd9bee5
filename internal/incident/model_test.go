package incident

import (
	"testing"
	"time"
)

func TestIncident_CloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	in := New("01J", Alert{Service: "payment-service", Raw: map[string]any{"cpu_percent": 97.5}}, now)
	in.Enrichment = &Enrichment{Service: "payment-service", Dependencies: []string{"postgres"}}
	in.Diagnostics = append(in.Diagnostics, DiagnosticResult{Check: "metrics", Findings: map[string]any{"cpu": 97.5}})
	ok := true
	in.Attempts = append(in.Attempts, RemediationAttempt{Iteration: 1, Verified: &ok})

	cp := in.Clone()
	cp.Alert.Raw["cpu_percent"] = 1.0
	cp.Enrichment.Dependencies[0] = "redis"
	cp.Diagnostics[0].Findings["cpu"] = 0.0
	*cp.Attempts[0].Verified = false

	if in.Alert.Raw["cpu_percent"] != 97.5 {
		t.Error("alert raw payload shared with clone")
	}
	if in.Enrichment.Dependencies[0] != "postgres" {
		t.Error("enrichment shared with clone")
	}
	if in.Diagnostics[0].Findings["cpu"] != 97.5 {
		t.Error("diagnostic findings shared with clone")
	}
	if !*in.Attempts[0].Verified {
		t.Error("verification result shared with clone")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	in := New("id-1", Alert{Service: "checkout"}, time.Now())
	if in.Phase != PhaseCreated {
		t.Errorf("Phase = %q, want %q", in.Phase, PhaseCreated)
	}
	if in.Level != LevelAuto {
		t.Errorf("Level = %v, want %v", in.Level, LevelAuto)
	}
	if c := in.Context(); c.Enrichment.Service != "checkout" {
		t.Errorf("Context().Enrichment.Service = %q, want checkout", c.Enrichment.Service)
	}
}

func TestDiagnosticResult_Indicators(t *testing.T) {
	t.Parallel()

	r := DiagnosticResult{Findings: map[string]any{"indicators": []any{"high_cpu", 3, "oom"}}}
	got := r.Indicators()
	if len(got) != 2 || got[0] != "high_cpu" || got[1] != "oom" {
		t.Errorf("Indicators() = %v, want [high_cpu oom]", got)
	}
	if (DiagnosticResult{}).Indicators() != nil {
		t.Error("Indicators() on empty findings should be nil")
	}
}
