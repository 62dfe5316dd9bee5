package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

// TimelineEntry is one human-readable line of an incident report.
type TimelineEntry struct {
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"at"`
	Kind    events.Kind `json:"kind"`
	Summary string      `json:"summary"`
}

// Report is the post-incident summary served by the API and archived on
// terminal transitions.
type Report struct {
	Incident        *incident.Incident `json:"incident"`
	Summary         string             `json:"summary"`
	DurationSeconds float64            `json:"duration_seconds"`
	Timeline        []TimelineEntry    `json:"timeline"`
}

// BuildReport renders a report from a snapshot and its event history.
func BuildReport(inc *incident.Incident, history []events.Event) *Report {
	end := inc.UpdatedAt
	if inc.Resolution != nil {
		end = inc.Resolution.At
	}
	rep := &Report{
		Incident:        inc,
		Summary:         summarize(inc),
		DurationSeconds: end.Sub(inc.CreatedAt).Seconds(),
		Timeline:        make([]TimelineEntry, 0, len(history)),
	}
	for _, ev := range history {
		rep.Timeline = append(rep.Timeline, TimelineEntry{
			Seq:     ev.Seq,
			At:      ev.At,
			Kind:    ev.Kind,
			Summary: describe(ev),
		})
	}
	return rep
}

func summarize(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s", inc.Alert.Title, inc.Alert.Service)
	if inc.Severity != "" {
		fmt.Fprintf(&b, " (%s %s)", inc.Severity.Code(), inc.Category)
	}
	fmt.Fprintf(&b, ": %s", inc.Phase)
	if r := inc.Resolution; r != nil {
		fmt.Fprintf(&b, " by %s", r.Actor)
		if r.Summary != "" {
			fmt.Fprintf(&b, ", %s", r.Summary)
		}
		if r.Reason != "" {
			fmt.Fprintf(&b, ", %s", r.Reason)
		}
	}
	fmt.Fprintf(&b, "; %d remediation attempt(s), escalation level %s", len(inc.Attempts), inc.Level)
	return b.String()
}

func describe(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.PhaseChanged:
		return fmt.Sprintf("phase %s -> %s", p.From, p.To)
	case events.TriageStep:
		return "triage step " + p.Step + " complete"
	case events.TriageComplete:
		return fmt.Sprintf("classified %s/%s", p.Severity, p.Category)
	case events.CheckComplete:
		return fmt.Sprintf("check %s: %s in %s", p.Result.Check, p.Result.Status, p.Result.Duration.Round(time.Millisecond))
	case events.DiagnosticsComplete:
		return fmt.Sprintf("%d diagnostic check(s) complete", len(p.Results))
	case events.IterationStart:
		return fmt.Sprintf("remediation iteration %d at %s", p.Iteration, p.Level)
	case events.RemediationOutcome:
		if p.Error != "" {
			return fmt.Sprintf("action %s failed: %s", p.ActionID, p.Error)
		}
		return fmt.Sprintf("action %s success=%t", p.ActionID, p.Success)
	case events.VerificationOutcome:
		return fmt.Sprintf("verification after iteration %d healthy=%t", p.Iteration, p.Healthy)
	case events.Escalated:
		return fmt.Sprintf("escalated %s -> %s: %s", p.From, p.To, p.Reason)
	case events.Terminal:
		return fmt.Sprintf("%s by %s", p.Resolution.Phase, p.Resolution.Actor)
	}
	return string(ev.Kind)
}
