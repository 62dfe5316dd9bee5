package incident

import (
	"maps"
	"slices"
	"time"
)

// Alert is the immutable input that opens an incident.
type Alert struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Service     string         `json:"service"`
	Host        string         `json:"host,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Clone returns a copy whose raw payload map is not shared with a.
func (a Alert) Clone() Alert {
	a.Raw = maps.Clone(a.Raw)
	return a
}

// Deploy is a recent change to the affected service.
type Deploy struct {
	Version    string    `json:"version"`
	Author     string    `json:"author,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Enrichment is the context gathered about the affected service during triage.
type Enrichment struct {
	Service          string         `json:"service"`
	Tier             int            `json:"tier,omitempty"`
	OwnerTeam        string         `json:"owner_team,omitempty"`
	HealthURL        string         `json:"health_url,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	RecentDeploys    []Deploy       `json:"recent_deploys,omitempty"`
	RelatedIncidents []string       `json:"related_incidents,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

func (e Enrichment) clone() Enrichment {
	e.Dependencies = slices.Clone(e.Dependencies)
	e.RecentDeploys = slices.Clone(e.RecentDeploys)
	e.RelatedIncidents = slices.Clone(e.RelatedIncidents)
	e.Attributes = maps.Clone(e.Attributes)
	return e
}

// Responder is who owns the incident while automation runs.
type Responder struct {
	Team      string `json:"team"`
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// CheckStatus is the terminal state of one diagnostic check.
type CheckStatus string

const (
	CheckOK      CheckStatus = "ok"
	CheckWarning CheckStatus = "warning"
	CheckError   CheckStatus = "error"
	CheckTimeout CheckStatus = "timeout"
)

// DiagnosticResult is the output of one diagnostic check.
type DiagnosticResult struct {
	Check    string         `json:"check"`
	Status   CheckStatus    `json:"status"`
	Findings map[string]any `json:"findings,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Indicators returns the string values of the "indicators" finding, which
// checks use to name the symptoms they observed.
func (r DiagnosticResult) Indicators() []string {
	switch v := r.Findings["indicators"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// RemediationAttempt records one escalation loop iteration.
type RemediationAttempt struct {
	Iteration int             `json:"iteration"`
	ActionID  string          `json:"action_id"`
	RunbookID string          `json:"runbook_id,omitempty"`
	Level     EscalationLevel `json:"escalation_level"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Verified is nil when verification was skipped because the action errored.
	Verified *bool     `json:"verified,omitempty"`
	At       time.Time `json:"at"`
}

// Escalation records one change of escalation level.
type Escalation struct {
	From   EscalationLevel `json:"from"`
	To     EscalationLevel `json:"to"`
	Reason string          `json:"reason"`
	Manual bool            `json:"manual"`
	At     time.Time       `json:"at"`
}

// Resolution is the terminal outcome of an incident.
type Resolution struct {
	Phase   Phase     `json:"phase"`
	Summary string    `json:"summary,omitempty"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	Manual  bool      `json:"manual"`
	At      time.Time `json:"at"`
}

// FailureRecord describes a triage stage failure.
type FailureRecord struct {
	Stage string    `json:"stage"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Incident is the mutable record of one alert's end-to-end response.
// It is owned by a single orchestrator; everyone else sees snapshots.
type Incident struct {
	ID          string               `json:"id"`
	Alert       Alert                `json:"alert"`
	Phase       Phase                `json:"phase"`
	Severity    Severity             `json:"severity,omitempty"`
	Category    string               `json:"category,omitempty"`
	Enrichment  *Enrichment          `json:"enrichment,omitempty"`
	Responder   *Responder           `json:"responder,omitempty"`
	Diagnostics []DiagnosticResult   `json:"diagnostics"`
	Attempts    []RemediationAttempt `json:"remediation_attempts"`
	Level       EscalationLevel      `json:"escalation_level"`
	Escalations []Escalation         `json:"escalation_history"`
	Failure     *FailureRecord       `json:"stage_failure,omitempty"`
	Resolution  *Resolution          `json:"resolution,omitempty"`
	Reopens     int                  `json:"reopens,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// New returns an incident in PhaseCreated for the given alert.
func New(id string, alert Alert, now time.Time) *Incident {
	return &Incident{
		ID:          id,
		Alert:       alert.Clone(),
		Phase:       PhaseCreated,
		Diagnostics: []DiagnosticResult{},
		Attempts:    []RemediationAttempt{},
		Level:       LevelAuto,
		Escalations: []Escalation{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the incident.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Alert = in.Alert.Clone()
	if in.Enrichment != nil {
		e := in.Enrichment.clone()
		cp.Enrichment = &e
	}
	if in.Responder != nil {
		r := *in.Responder
		cp.Responder = &r
	}
	cp.Diagnostics = make([]DiagnosticResult, len(in.Diagnostics))
	for i, d := range in.Diagnostics {
		d.Findings = maps.Clone(d.Findings)
		cp.Diagnostics[i] = d
	}
	cp.Attempts = make([]RemediationAttempt, len(in.Attempts))
	for i, a := range in.Attempts {
		if a.Verified != nil {
			v := *a.Verified
			a.Verified = &v
		}
		cp.Attempts[i] = a
	}
	cp.Escalations = slices.Clone(in.Escalations)
	if cp.Escalations == nil {
		cp.Escalations = []Escalation{}
	}
	if in.Failure != nil {
		f := *in.Failure
		cp.Failure = &f
	}
	if in.Resolution != nil {
		r := *in.Resolution
		cp.Resolution = &r
	}
	return &cp
}

// Context returns the read-only view handed to diagnostic checks,
// remediation policies and verifiers.
func (in *Incident) Context() Context {
	c := Context{
		IncidentID:  in.ID,
		Alert:       in.Alert.Clone(),
		Severity:    in.Severity,
		Category:    in.Category,
		Level:       in.Level,
		Diagnostics: slices.Clone(in.Diagnostics),
	}
	if in.Enrichment != nil {
		c.Enrichment = in.Enrichment.clone()
	} else {
		c.Enrichment = Enrichment{Service: in.Alert.Service}
	}
	return c
}

// Context is the view of an incident that pluggable strategies receive.
type Context struct {
	IncidentID  string
	Alert       Alert
	Enrichment  Enrichment
	Severity    Severity
	Category    string
	Level       EscalationLevel
	Diagnostics []DiagnosticResult
}
