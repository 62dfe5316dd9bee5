// Package claude classifies incidents with the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/llm/claude")

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	requestTimeout   = 60 * time.Second
)

const systemPrompt = `You are an incident triage specialist for a production platform.
Classify the incident described by the user message.

Severity scale:
- P1 (critical): outage, data loss, security breach, or a tier 1 service failing for customers
- P2 (high): major degradation, elevated errors or saturation with customer impact
- P3 (medium): partial degradation, latency or warnings without broad impact
- P4 (low): informational or cosmetic

Consider the service tier, customer impact, blast radius through dependencies, and recent deploys.
Reply with a single JSON object and nothing else:
{"severity": "P1|P2|P3|P4", "category": "<one word such as availability, performance, resource, errors, security, change>", "reasoning": "<two sentences at most>"}`

// messagesAPI is the part of the SDK client the classifier uses.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier implements triage.Classifier with Claude.
type Classifier struct {
	api       messagesAPI
	model     string
	maxTokens int64
}

// New creates a Classifier using the given API key and model name.
func New(apiKey, model string) *Classifier {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(requestTimeout),
	)
	return newWithAPI(&client.Messages, model)
}

func newWithAPI(api messagesAPI, model string) *Classifier {
	if model == "" {
		model = DefaultModel
	}
	return &Classifier{api: api, model: model, maxTokens: defaultMaxTokens}
}

// Model returns the configured model name.
func (c *Classifier) Model() string { return c.model }

type verdict struct {
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

// Classify implements triage.Classifier. A reply that is not the
// requested JSON object is an error, so triage fails rather than guessing.
func (c *Classifier) Classify(ctx context.Context, ec triage.EnrichedContext) (triage.Classification, error) {
	ctx, span := tracer.Start(ctx, "claude.classify", trace.WithAttributes(
		attribute.String("warden.llm.model", c.model),
		attribute.String("warden.alert.service", ec.Alert.Service),
	))
	defer span.End()

	cls, err := c.classify(ctx, span, ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return triage.Classification{}, err
	}
	span.SetAttributes(
		attribute.String("warden.triage.severity", string(cls.Severity)),
		attribute.String("warden.triage.category", cls.Category),
	)
	return cls, nil
}

func (c *Classifier) classify(ctx context.Context, span trace.Span, ec triage.EnrichedContext) (triage.Classification, error) {
	prompt, err := buildPrompt(ec)
	if err != nil {
		return triage.Classification{}, err
	}

	msg, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return triage.Classification{}, fmt.Errorf("claude: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("warden.llm.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("warden.llm.output_tokens", msg.Usage.OutputTokens),
	)

	return parseVerdict(replyText(msg))
}

func buildPrompt(ec triage.EnrichedContext) (string, error) {
	payload, err := json.MarshalIndent(struct {
		Alert      incident.Alert      `json:"alert"`
		Enrichment incident.Enrichment `json:"enrichment"`
	}{ec.Alert, ec.Enrichment}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("claude: marshal prompt: %w", err)
	}
	return "Classify this incident.\n\n" + string(payload), nil
}

func replyText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseVerdict extracts the JSON object from the reply, tolerating prose
// or a code fence around it.
func parseVerdict(text string) (triage.Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return triage.Classification{}, errors.New("claude: reply contains no JSON object")
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return triage.Classification{}, fmt.Errorf("claude: decode reply: %w", err)
	}
	sev, err := incident.ParseSeverity(v.Severity)
	if err != nil {
		return triage.Classification{}, fmt.Errorf("claude: %w", err)
	}
	category := strings.ToLower(strings.TrimSpace(v.Category))
	if category == "" {
		return triage.Classification{}, errors.New("claude: reply has no category")
	}
	return triage.Classification{
		Severity:  sev,
		Category:  category,
		Reasoning: strings.TrimSpace(v.Reasoning),
	}, nil
}
