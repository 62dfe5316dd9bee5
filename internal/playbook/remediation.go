package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/incident"
)

const httpTimeout = 30 * time.Second

// actionPriority lists candidate actions per escalation level, gentlest
// first. Levels past the last row use it.
var actionPriority = [][]string{
	{"restart_service", "clear_cache", "drain_connections"},
	{"scale_up", "drain_connections", "restart_service"},
	{"rollback_deploy", "scale_up", "rotate_certs"},
}

// Policy selects a runbook action from diagnostics symptoms and the
// escalation level.
type Policy struct {
	cat *Catalog
}

// NewPolicy returns a Policy backed by cat.
func NewPolicy(cat *Catalog) *Policy { return &Policy{cat: cat} }

// SelectRemediation implements escalation.Policy.
func (p *Policy) SelectRemediation(_ context.Context, ic incident.Context, level incident.EscalationLevel) (escalation.Action, error) {
	idx := min(max(int(level)-1, 0), len(actionPriority)-1)
	candidates := actionPriority[idx]
	symptoms := p.symptoms(ic.Diagnostics)

	choice := ""
	for _, s := range symptoms {
		if rb, ok := p.cat.RunbookForSymptom(s); ok && slices.Contains(candidates, rb.Action) {
			choice = rb.Action
			break
		}
	}
	if choice == "" {
		switch {
		case slices.Contains(symptoms, "certificate_expiry") || slices.Contains(symptoms, "tls_handshake_failure"):
			choice = "rotate_certs"
		case slices.Contains(symptoms, "config_drift") && level >= incident.LevelOnCall:
			choice = "rollback_deploy"
		default:
			choice = candidates[0]
		}
	}

	rb, ok := p.cat.Runbook(choice)
	if !ok {
		return escalation.Action{}, fmt.Errorf("no runbook for action %s", choice)
	}
	params := map[string]any{"service": ic.Alert.Service}
	if ns, ok := ic.Enrichment.Attributes["namespace"]; ok {
		params["namespace"] = ns
	}
	if len(symptoms) > 0 {
		params["symptoms"] = symptoms
	}
	return escalation.Action{
		ID:         rb.Action,
		RunbookID:  rb.ID,
		Risk:       rb.Risk,
		Parameters: params,
	}, nil
}

// symptoms maps diagnostic indicators to catalog symptoms, sorted.
func (p *Policy) symptoms(results []incident.DiagnosticResult) []string {
	seen := map[string]bool{}
	for _, r := range results {
		for _, ind := range r.Indicators() {
			if s, ok := p.cat.Indicators[ind]; ok {
				seen[s] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// WebhookExecutor posts actions to an external remediation service.
type WebhookExecutor struct {
	url    string
	client *http.Client
}

// NewWebhookExecutor returns an executor that POSTs to url.
func NewWebhookExecutor(url string) *WebhookExecutor {
	return &WebhookExecutor{url: url, client: &http.Client{Timeout: httpTimeout}}
}

type webhookRequest struct {
	IncidentID string         `json:"incident_id"`
	Service    string         `json:"service"`
	Action     string         `json:"action"`
	RunbookID  string         `json:"runbook_id"`
	Risk       string         `json:"risk,omitempty"`
	Level      string         `json:"escalation_level"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Execute implements escalation.Executor. A non-2xx reply is an error; a
// 2xx reply without a JSON body counts as success.
func (w *WebhookExecutor) Execute(ctx context.Context, ic incident.Context, a escalation.Action) (escalation.ActionResult, error) {
	body, err := json.Marshal(webhookRequest{
		IncidentID: ic.IncidentID,
		Service:    ic.Alert.Service,
		Action:     a.ID,
		RunbookID:  a.RunbookID,
		Risk:       a.Risk,
		Level:      ic.Level.String(),
		Parameters: a.Parameters,
	})
	if err != nil {
		return escalation.ActionResult{}, fmt.Errorf("marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return escalation.ActionResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return escalation.ActionResult{}, fmt.Errorf("remediation webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return escalation.ActionResult{}, fmt.Errorf("remediation webhook returned %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var out webhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return escalation.ActionResult{Success: true, Output: truncate(string(respBody), 2048)}, nil
	}
	return escalation.ActionResult{Success: out.Success, Output: out.Output}, nil
}

// DryRunExecutor is used when no remediation webhook is configured. It
// logs what it would do and reports the action as unsuccessful.
type DryRunExecutor struct {
	logger log.Logger
}

// NewDryRunExecutor returns a DryRunExecutor.
func NewDryRunExecutor(logger log.Logger) *DryRunExecutor {
	if logger == nil {
		logger = log.Nop()
	}
	return &DryRunExecutor{logger: logger}
}

// Execute implements escalation.Executor.
func (d *DryRunExecutor) Execute(ctx context.Context, ic incident.Context, a escalation.Action) (escalation.ActionResult, error) {
	d.logger.Warn(ctx, "dry run remediation",
		"incident_id", ic.IncidentID,
		"action", a.ID,
		"runbook_id", a.RunbookID,
		"escalation_level", ic.Level.String(),
	)
	return escalation.ActionResult{
		Success: false,
		Output:  fmt.Sprintf("no executor configured; would run %s (%s)", a.ID, a.RunbookID),
	}, nil
}

// HTTPVerifier checks the service health URL found during enrichment.
type HTTPVerifier struct {
	client *http.Client
}

// NewHTTPVerifier returns an HTTPVerifier.
func NewHTTPVerifier() *HTTPVerifier {
	return &HTTPVerifier{client: &http.Client{Timeout: httpTimeout}}
}

// Verify implements escalation.Verifier. A service without a health URL
// is reported unhealthy so the loop escalates to people.
func (v *HTTPVerifier) Verify(ctx context.Context, ic incident.Context) (bool, error) {
	if ic.Enrichment.HealthURL == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ic.Enrichment.HealthURL, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := v.client.Do(req) //nolint:gosec // G704: health URL comes from the service catalog
	if err != nil {
		return false, fmt.Errorf("health check: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
