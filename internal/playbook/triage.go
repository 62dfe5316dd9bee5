package playbook

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/triage"
)

const maxRecentDeploys = 5

// Enricher fills in service context from the catalog.
type Enricher struct {
	cat *Catalog
}

// NewEnricher returns an Enricher backed by cat.
func NewEnricher(cat *Catalog) *Enricher { return &Enricher{cat: cat} }

// Enrich implements triage.Enricher. Unknown services get the default
// team and no health URL.
func (e *Enricher) Enrich(_ context.Context, alert incident.Alert) (incident.Enrichment, error) {
	if alert.Service == "" {
		return incident.Enrichment{}, fmt.Errorf("alert %s has no service", alert.ID)
	}
	svc, ok := e.cat.Services[alert.Service]
	if !ok {
		return incident.Enrichment{
			Service:   alert.Service,
			OwnerTeam: e.cat.DefaultTeam,
			Attributes: map[string]any{
				"catalogued": false,
			},
		}, nil
	}

	en := incident.Enrichment{
		Service:          alert.Service,
		Tier:             svc.Tier,
		OwnerTeam:        svc.OwnerTeam,
		HealthURL:        svc.HealthURL,
		Dependencies:     append([]string(nil), svc.Dependencies...),
		RelatedIncidents: append([]string(nil), svc.RelatedIncidents...),
		Attributes: map[string]any{
			"catalogued": true,
			"namespace":  svc.Namespace,
		},
	}
	if en.OwnerTeam == "" {
		en.OwnerTeam = e.cat.DefaultTeam
	}
	for i, d := range svc.Deploys {
		if i == maxRecentDeploys {
			break
		}
		en.RecentDeploys = append(en.RecentDeploys, incident.Deploy{
			Version:    d.Version,
			Author:     d.Author,
			DeployedAt: d.DeployedAt,
		})
	}
	return en, nil
}

// keyword tables, most severe first; the first hit wins
var severityKeywords = []struct {
	severity incident.Severity
	words    []string
}{
	{incident.SeverityCritical, []string{
		"outage", "down", "critical", "crash", "crashloopbackoff", "oom", "out of memory",
		"data loss", "security breach", "complete failure", "service unavailable",
		"503", "502", "connection refused", "fatal", "catastrophic",
	}},
	{incident.SeverityHigh, []string{
		"degraded", "high error", "high-error", "spike", "surge", "elevated", "exhaustion",
		"exhausted", "timeout", "leak", "circuit breaker", "5xx", "connection pool", "expir",
	}},
	{incident.SeverityMedium, []string{
		"slow", "latency", "delayed", "warning", "warn", "increased", "above threshold",
		"drift", "unassigned", "lag", "backlog",
	}},
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"security", []string{"cert", "tls", "ssl", "breach", "unauthorized"}},
	{"availability", []string{"outage", "down", "unavailable", "crash", "503", "502", "refused"}},
	{"resource", []string{"cpu", "memory", "oom", "disk", "leak", "exhaust"}},
	{"performance", []string{"latency", "slow", "timeout", "lag", "backlog"}},
	{"errors", []string{"error", "5xx", "exception", "fatal"}},
	{"change", []string{"deploy", "config", "drift", "rollout"}},
}

// HeuristicClassifier classifies alerts with keyword tables. Tier 1
// services have low severities bumped one step.
type HeuristicClassifier struct{}

// Classify implements triage.Classifier.
func (HeuristicClassifier) Classify(_ context.Context, ec triage.EnrichedContext) (triage.Classification, error) {
	text := searchText(ec.Alert)

	sev, hit := incident.SeverityLow, ""
outer:
	for _, row := range severityKeywords {
		for _, w := range row.words {
			if strings.Contains(text, w) {
				sev, hit = row.severity, w
				break outer
			}
		}
	}

	reasons := []string{fmt.Sprintf("classified %s", sev.Code())}
	if hit != "" {
		reasons = append(reasons, fmt.Sprintf("keyword %q", hit))
	}
	if ec.Enrichment.Tier == 1 && sev.Priority() >= 3 {
		raised := sev.Raise(1)
		reasons = append(reasons, fmt.Sprintf("raised from %s to %s for tier 1 service", sev.Code(), raised.Code()))
		sev = raised
	}
	if len(ec.Enrichment.RecentDeploys) > 0 {
		reasons = append(reasons, "recent deploy "+ec.Enrichment.RecentDeploys[0].Version)
	}

	category := "general"
	for _, row := range categoryKeywords {
		if containsAny(text, row.words) {
			category = row.category
			break
		}
	}

	return triage.Classification{
		Severity:  sev,
		Category:  category,
		Reasoning: strings.Join(reasons, "; "),
	}, nil
}

func searchText(a incident.Alert) string {
	var b strings.Builder
	b.WriteString(a.Title)
	b.WriteByte(' ')
	b.WriteString(a.Description)

	// map order is random; sort so keyword hits are reproducible
	keys := make([]string, 0, len(a.Raw))
	for k := range a.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %v", a.Raw[k])
	}
	return strings.ToLower(b.String())
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ResponderAssigner assigns from the owner team's rotation.
type ResponderAssigner struct {
	cat *Catalog
}

// NewResponderAssigner returns a ResponderAssigner backed by cat.
func NewResponderAssigner(cat *Catalog) *ResponderAssigner { return &ResponderAssigner{cat: cat} }

// AssignResponder implements triage.ResponderAssigner. P1 goes straight to
// the on-call engineer with the manager as backup, P2 to the primary, and
// P3/P4 stay with automation.
func (a *ResponderAssigner) AssignResponder(_ context.Context, ec triage.EnrichedContext, sev incident.Severity) (incident.Responder, error) {
	team := ec.Enrichment.OwnerTeam
	rot, ok := a.cat.Rotation(team)
	if !ok {
		return incident.Responder{}, fmt.Errorf("no on-call rotation for team %q", team)
	}
	r := incident.Responder{Team: team, Channel: rot.Channel}
	switch sev {
	case incident.SeverityCritical:
		r.Primary, r.Secondary = rot.OnCall, rot.Manager
	case incident.SeverityHigh:
		r.Primary, r.Secondary = rot.Primary, rot.OnCall
	default:
		r.Primary, r.Secondary = "automation", rot.Primary
	}
	return r, nil
}
