package playbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	c := Default()
	if len(c.Runbooks) != 6 {
		t.Fatalf("runbooks = %d, want 6", len(c.Runbooks))
	}
	rb, ok := c.Runbook("restart_service")
	if !ok {
		t.Fatal("restart_service runbook missing")
	}
	if rb.ID != "RB-001" {
		t.Errorf("ID = %q, want %q", rb.ID, "RB-001")
	}
	svc, ok := c.Services["payment-service"]
	if !ok {
		t.Fatal("payment-service missing")
	}
	if svc.Tier != 1 || svc.OwnerTeam != "payments" {
		t.Errorf("payment-service = tier %d team %q, want tier 1 team payments", svc.Tier, svc.OwnerTeam)
	}
	if svc.Deploys[0].DeployedAt.IsZero() {
		t.Error("deploy timestamp not parsed")
	}
}

func TestRunbookForSymptom(t *testing.T) {
	t.Parallel()

	c := Default()
	tests := []struct {
		symptom string
		want    string
	}{
		{"high_cpu", "scale_up"},
		{"connection_pool_exhaustion", "restart_service"},
		{"certificate_expiry", "rotate_certs"},
	}
	for _, tt := range tests {
		rb, ok := c.RunbookForSymptom(tt.symptom)
		if !ok || rb.Action != tt.want {
			t.Errorf("RunbookForSymptom(%q) = %q, want %q", tt.symptom, rb.Action, tt.want)
		}
	}
	if _, ok := c.RunbookForSymptom("nothing"); ok {
		t.Error("expected no runbook for unknown symptom")
	}
}

func TestDeclaredConfig(t *testing.T) {
	t.Parallel()

	c := Default()
	cfg, ok := c.DeclaredConfig("payment-service")
	if !ok {
		t.Fatal("payment-service has no declared config")
	}
	if cfg.Limits["memory"] != "2Gi" || cfg.Env["DB_POOL_SIZE"] != "50" {
		t.Errorf("declared = %+v", cfg)
	}
	if _, ok := c.DeclaredConfig("db-proxy"); ok {
		t.Error("db-proxy declares no config, want false")
	}
	if _, ok := c.DeclaredConfig("unknown"); ok {
		t.Error("unknown service, want false")
	}
}

func TestRotationFallback(t *testing.T) {
	t.Parallel()

	c := Default()
	r, ok := c.Rotation("no-such-team")
	if !ok {
		t.Fatal("expected fallback to default team")
	}
	if r.Channel != "#platform-oncall" {
		t.Errorf("Channel = %q, want %q", r.Channel, "#platform-oncall")
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no runbooks", "services: {}\n", "no runbooks"},
		{"duplicate id", "runbooks:\n  - {id: RB-1, action: a}\n  - {id: RB-1, action: b}\n", "duplicate runbook id"},
		{"duplicate action", "runbooks:\n  - {id: RB-1, action: a}\n  - {id: RB-2, action: a}\n", "duplicate runbook action"},
		{"missing action", "runbooks:\n  - {id: RB-1}\n", "id and action are required"},
		{"bad tier", "runbooks:\n  - {id: RB-1, action: a}\nservices:\n  x: {tier: 9}\n", "tier 9"},
		{"unknown default team", "default_team: ghosts\nrunbooks:\n  - {id: RB-1, action: a}\n", "default team"},
		{"not yaml", "runbooks: [", "parse catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	data := "runbooks:\n  - {id: RB-9, action: page_humans, risk: low}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Runbook("page_humans"); !ok {
		t.Error("page_humans runbook missing")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	def, err := Load("")
	if err != nil {
		t.Fatalf("Load default: %v", err)
	}
	if len(def.Services) == 0 {
		t.Error("default catalog has no services")
	}
}
