package playbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/checks"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/incident"
)

func diag(indicators ...string) []incident.DiagnosticResult {
	return []incident.DiagnosticResult{{
		Check:    "metrics",
		Status:   incident.CheckWarning,
		Findings: map[string]any{"indicators": indicators},
	}}
}

func TestPolicy_SelectRemediation(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Default())
	tests := []struct {
		name       string
		level      incident.EscalationLevel
		indicators []string
		want       string
		wantRB     string
	}{
		{"L1 default", incident.LevelAuto, nil, "restart_service", "RB-001"},
		{"L2 high cpu", incident.LevelOnCall, []string{"cpu_critical"}, "scale_up", "RB-002"},
		{"L1 high cpu falls back", incident.LevelAuto, []string{"cpu_critical"}, "restart_service", "RB-001"},
		{"L1 connection pressure", incident.LevelAuto, []string{"connection_pressure"}, "restart_service", "RB-001"},
		{"L3 regression", incident.LevelSenior, []string{"error_spike"}, "rollback_deploy", "RB-003"},
		{"L4 uses last row", incident.LevelManagement, nil, "rollback_deploy", "RB-003"},
		{"cert expiry at L1", incident.LevelAuto, []string{"certificate_expiry"}, "rotate_certs", "RB-005"},
		{"config drift at L2", incident.LevelOnCall, []string{"config_drift"}, "rollback_deploy", "RB-003"},
		{"config drift at L1", incident.LevelAuto, []string{"config_drift"}, "restart_service", "RB-001"},
		{"config drift at L3", incident.LevelSenior, []string{"config_drift"}, "rollback_deploy", "RB-003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ic := incident.Context{
				Alert:       incident.Alert{Service: "payment-service"},
				Enrichment:  incident.Enrichment{Attributes: map[string]any{"namespace": "payments"}},
				Level:       tt.level,
				Diagnostics: diag(tt.indicators...),
			}
			a, err := p.SelectRemediation(context.Background(), ic, tt.level)
			if err != nil {
				t.Fatalf("SelectRemediation: %v", err)
			}
			if a.ID != tt.want || a.RunbookID != tt.wantRB {
				t.Errorf("action = %s/%s, want %s/%s", a.ID, a.RunbookID, tt.want, tt.wantRB)
			}
			if a.Parameters["namespace"] != "payments" {
				t.Errorf("namespace param = %v, want payments", a.Parameters["namespace"])
			}
		})
	}
}

func TestPolicy_ConfigDriftFromConfigCheck(t *testing.T) {
	t.Parallel()

	cat := Default()
	alert := incident.Alert{
		Service: "payment-service",
		Raw: map[string]any{"config": map[string]any{
			"image":  "registry.internal/payments/payment-service:v2.15.0-rc1",
			"limits": map[string]any{"cpu": "2", "memory": "2Gi"},
			"env":    map[string]any{"DB_POOL_SIZE": float64(10), "PAYMENT_PROVIDER_TIMEOUT_MS": "3000"},
		}},
	}
	res, err := checks.NewConfigCheck(cat, nil).Run(context.Background(), incident.Context{Alert: alert})
	if err != nil {
		t.Fatalf("ConfigCheck: %v", err)
	}
	if res.Status != incident.CheckWarning {
		t.Fatalf("config status = %q, want warning", res.Status)
	}

	ic := incident.Context{Alert: alert, Level: incident.LevelOnCall, Diagnostics: []incident.DiagnosticResult{res}}
	a, err := NewPolicy(cat).SelectRemediation(context.Background(), ic, incident.LevelOnCall)
	if err != nil {
		t.Fatalf("SelectRemediation: %v", err)
	}
	if a.ID != "rollback_deploy" {
		t.Errorf("action = %s, want rollback_deploy", a.ID)
	}
	if got := a.Parameters["symptoms"]; !strings.Contains(strings.Join(got.([]string), ","), "config_drift") {
		t.Errorf("symptoms = %v, want config_drift", got)
	}
}

func TestWebhookExecutor(t *testing.T) {
	t.Parallel()

	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"output":"rolled 4 pods"}`))
	}))
	defer srv.Close()

	ex := NewWebhookExecutor(srv.URL)
	res, err := ex.Execute(context.Background(),
		incident.Context{IncidentID: "inc-1", Alert: incident.Alert{Service: "api"}, Level: incident.LevelOnCall},
		escalation.Action{ID: "restart_service", RunbookID: "RB-001"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "rolled 4 pods" {
		t.Errorf("result = %+v, want success with output", res)
	}
	if got.IncidentID != "inc-1" || got.Action != "restart_service" || got.Level != "L2_ONCALL" {
		t.Errorf("request = %+v", got)
	}
}

func TestWebhookExecutor_PlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	res, err := NewWebhookExecutor(srv.URL).Execute(context.Background(), incident.Context{}, escalation.Action{ID: "scale_up"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "accepted" {
		t.Errorf("result = %+v, want success with raw output", res)
	}
}

func TestWebhookExecutor_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhookExecutor(srv.URL).Execute(context.Background(), incident.Context{}, escalation.Action{ID: "scale_up"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want 502 error", err)
	}
}

func TestDryRunExecutor(t *testing.T) {
	t.Parallel()

	res, err := NewDryRunExecutor(log.Nop()).Execute(context.Background(), incident.Context{}, escalation.Action{ID: "clear_cache", RunbookID: "RB-004"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("dry run reported success")
	}
	if !strings.Contains(res.Output, "no executor configured") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestHTTPVerifier(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	v := NewHTTPVerifier()
	ctx := context.Background()

	ok, err := v.Verify(ctx, incident.Context{Enrichment: incident.Enrichment{HealthURL: healthy.URL}})
	if err != nil || !ok {
		t.Errorf("healthy = %v, %v; want true, nil", ok, err)
	}
	ok, err = v.Verify(ctx, incident.Context{Enrichment: incident.Enrichment{HealthURL: sick.URL}})
	if err != nil || ok {
		t.Errorf("sick = %v, %v; want false, nil", ok, err)
	}
	ok, err = v.Verify(ctx, incident.Context{})
	if err != nil || ok {
		t.Errorf("no url = %v, %v; want false, nil", ok, err)
	}
}
