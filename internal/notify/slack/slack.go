// Package slack posts terminal incident summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

const (
	maxSectionLen = 3000
	timelineLines = 8
	httpTimeout   = 10 * time.Second
)

// Notifier is an orchestrator.Sink that posts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

var _ orchestrator.Sink = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, OnTerminal is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Name implements orchestrator.Sink.
func (n *Notifier) Name() string { return "slack" }

// OnTerminal implements orchestrator.Sink.
func (n *Notifier) OnTerminal(ctx context.Context, inc *incident.Incident, history []events.Event) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(orchestrator.BuildReport(inc, history))

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(rep *orchestrator.Report) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(rep.Incident),
			{"type": "divider"},
			fieldsBlock(rep),
			{"type": "divider"},
			summaryBlock(rep),
			timelineBlock(rep.Timeline),
			{"type": "divider"},
			contextBlock(rep.Incident),
		},
	}
}

func headerBlock(inc *incident.Incident) map[string]any {
	title := "Incident Resolved"
	if inc.Phase == incident.PhaseHumanTakeover {
		title = "Human Takeover"
	}
	text := fmt.Sprintf("%s %s: %s", phaseEmoji(inc), title, inc.Alert.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(rep *orchestrator.Report) map[string]any {
	inc := rep.Incident
	severity := "unclassified"
	if inc.Severity != "" {
		severity = fmt.Sprintf("%s (%s)", inc.Severity.Code(), inc.Severity)
	}
	owner := "unassigned"
	if inc.Responder != nil {
		owner = fmt.Sprintf("%s / %s", inc.Responder.Team, inc.Responder.Primary)
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Service:* %s", inc.Alert.Service),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Escalation:* %s", inc.Level),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Attempts:* %d", len(inc.Attempts)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Owner:* %s", owner),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", rep.DurationSeconds),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(rep *orchestrator.Report) map[string]any {
	text := rep.Summary
	if f := rep.Incident.Failure; f != nil {
		text += fmt.Sprintf("\n*Failed stage:* %s: %s", f.Stage, f.Error)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", truncate(text, maxSectionLen)),
		},
	}
}

// timelineBlock renders the last few timeline entries.
func timelineBlock(timeline []orchestrator.TimelineEntry) map[string]any {
	tail := timeline
	if len(tail) > timelineLines {
		tail = tail[len(tail)-timelineLines:]
	}
	var b strings.Builder
	for _, e := range tail {
		fmt.Fprintf(&b, "`%s` %s\n", e.At.UTC().Format("15:04:05"), e.Summary)
	}
	text := b.String()
	if text == "" {
		text = "_No events recorded._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Timeline*\n\n" + truncate(text, maxSectionLen),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := inc.UpdatedAt
	if inc.Resolution != nil {
		ts = inc.Resolution.At
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • incident %s • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func phaseEmoji(inc *incident.Incident) string {
	if inc.Phase == incident.PhaseResolved {
		return "\U0001f7e2" // green circle
	}
	switch inc.Severity {
	case incident.SeverityCritical, incident.SeverityHigh:
		return "\U0001f534" // red circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
