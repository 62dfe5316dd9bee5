package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Classifier kinds.
const (
	ClassifierHeuristic = "heuristic"
	ClassifierClaude    = "claude"
)

// Config holds warden's application settings. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	CatalogPath string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string
	ConfigEndpoint     string

	Classifier   string
	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL           string
	ArchiveRetentionHours int

	SlackWebhookURL       string
	RemediationWebhookURL string

	MaxIterations        int
	MaxEscalationLevel   int
	CheckTimeoutSeconds  int
	StepTimeoutSeconds   int
	ActionTimeoutSeconds int
	CallTimeoutSeconds   int

	IncidentTTLSeconds   int
	SweepIntervalSeconds int

	IngestRate  float64
	IngestBurst int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.CatalogPath, "catalog-path", "", "service and runbook catalog YAML (empty = embedded default)")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for the metrics diagnostic check (empty = check disabled)")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for the logs diagnostic check (empty = check disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.ConfigEndpoint, "config-endpoint", "", "config API serving live service config for drift checks (empty = read from alert payload)")

	fs.StringVar(&c.Classifier, "classifier", ClassifierHeuristic, "severity classifier: heuristic or claude")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude classifier")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for the classifier")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL URL for the incident archive (empty = no archive)")
	fs.IntVar(&c.ArchiveRetentionHours, "archive-retention-hours", 0, "hours to keep archived incidents (0 = forever)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for terminal incident notifications")
	fs.StringVar(&c.RemediationWebhookURL, "remediation-webhook-url", "", "webhook that executes remediation actions (empty = dry run)")

	fs.IntVar(&c.MaxIterations, "max-iterations", 3, "remediation rounds before handing over to a human (1..20)")
	fs.IntVar(&c.MaxEscalationLevel, "max-escalation-level", 4, "escalation ceiling (1..10)")
	fs.IntVar(&c.CheckTimeoutSeconds, "check-timeout-seconds", 10, "per diagnostic check timeout (1..600)")
	fs.IntVar(&c.StepTimeoutSeconds, "step-timeout-seconds", 30, "per triage step timeout (1..600)")
	fs.IntVar(&c.ActionTimeoutSeconds, "action-timeout-seconds", 60, "per remediation action timeout (1..600)")
	fs.IntVar(&c.CallTimeoutSeconds, "call-timeout-seconds", 30, "timeout for policy and verification calls (1..600)")

	fs.IntVar(&c.IncidentTTLSeconds, "incident-ttl-seconds", 3600, "seconds a terminal incident stays in memory")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 60, "seconds between sweeps of expired incidents")

	fs.Float64Var(&c.IngestRate, "ingest-rate", 10, "incident creations per second (0 = unlimited)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 20, "incident creation burst size")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	for name, v := range map[string]string{
		"PROMETHEUS_ENDPOINT":     c.PrometheusEndpoint,
		"LOKI_ENDPOINT":           c.LokiEndpoint,
		"CONFIG_ENDPOINT":         c.ConfigEndpoint,
		"SLACK_WEBHOOK_URL":       c.SlackWebhookURL,
		"REMEDIATION_WEBHOOK_URL": c.RemediationWebhookURL,
	} {
		if err := checkURL(v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}

	switch c.Classifier {
	case ClassifierHeuristic:
	case ClassifierClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude classifier"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be heuristic or claude)", c.Classifier))
	}

	if c.ArchiveRetentionHours < 0 {
		errs = append(errs, fmt.Errorf("invalid ARCHIVE_RETENTION_HOURS %d (must be >= 0)", c.ArchiveRetentionHours))
	}

	if c.MaxIterations < 1 || c.MaxIterations > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_ITERATIONS %d (must be 1..20)", c.MaxIterations))
	}
	if c.MaxEscalationLevel < 1 || c.MaxEscalationLevel > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_ESCALATION_LEVEL %d (must be 1..10)", c.MaxEscalationLevel))
	}
	for name, v := range map[string]int{
		"CHECK_TIMEOUT_SECONDS":  c.CheckTimeoutSeconds,
		"STEP_TIMEOUT_SECONDS":   c.StepTimeoutSeconds,
		"ACTION_TIMEOUT_SECONDS": c.ActionTimeoutSeconds,
		"CALL_TIMEOUT_SECONDS":   c.CallTimeoutSeconds,
	} {
		if v < 1 || v > 600 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..600)", name, v))
		}
	}

	if c.IncidentTTLSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid INCIDENT_TTL_SECONDS %d (must be > 0)", c.IncidentTTLSeconds))
	}
	if c.SweepIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be > 0)", c.SweepIntervalSeconds))
	}

	if c.IngestRate < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RATE %g (must be >= 0)", c.IngestRate))
	}
	if c.IngestRate > 0 && c.IngestBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be >= 1 when rate limiting)", c.IngestBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// checkURL accepts an empty value or an absolute http(s) URL.
func checkURL(v string) error {
	if v == "" {
		return nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// CheckTimeout is the per diagnostic check timeout.
func (c *Config) CheckTimeout() time.Duration { return seconds(c.CheckTimeoutSeconds) }

// StepTimeout is the per triage step timeout.
func (c *Config) StepTimeout() time.Duration { return seconds(c.StepTimeoutSeconds) }

// ActionTimeout is the per remediation action timeout.
func (c *Config) ActionTimeout() time.Duration { return seconds(c.ActionTimeoutSeconds) }

// CallTimeout bounds policy and verification calls.
func (c *Config) CallTimeout() time.Duration { return seconds(c.CallTimeoutSeconds) }

// IncidentTTL is how long terminal incidents stay in memory.
func (c *Config) IncidentTTL() time.Duration { return seconds(c.IncidentTTLSeconds) }

// SweepInterval is the janitor period.
func (c *Config) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }

// ArchiveRetention is how long archived incidents are kept; zero keeps them forever.
func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveRetentionHours) * time.Hour
}
