package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	defaultLogWindow  = 15 * time.Minute
	defaultLogLimit   = 500
	errorSpikeLines   = 10
	maxSampleLogLines = 5
)

// LogsCheck counts recent error lines for the service in Loki and looks
// for well-known failure patterns.
type LogsCheck struct {
	loki     *LokiClient
	selector string
	window   time.Duration
	now      func() time.Time
}

// NewLogsCheck returns a LogsCheck. selector is a LogQL stream selector
// template with $service, e.g. {service_name="$service"}.
func NewLogsCheck(loki *LokiClient, selector string) *LogsCheck {
	if selector == "" {
		selector = `{service_name="$service"}`
	}
	return &LogsCheck{loki: loki, selector: selector, window: defaultLogWindow, now: time.Now}
}

// Name implements diagnostics.Check.
func (*LogsCheck) Name() string { return "logs" }

var logPatterns = []struct {
	indicator string
	needles   []string
}{
	{"stack_trace_present", []string{"traceback", "exception", "panic:", "goroutine "}},
	{"timeout_pattern", []string{"timeout", "timed out", "deadline exceeded"}},
	{"fatal_log", []string{"fatal", "oomkilled", "out of memory"}},
}

// Run implements diagnostics.Check.
func (c *LogsCheck) Run(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error) {
	if err := checkServiceName(ic.Alert.Service); err != nil {
		return incident.DiagnosticResult{}, err
	}
	query := strings.ReplaceAll(c.selector, "$service", ic.Alert.Service) +
		` |~ "(?i)error|exception|fatal|panic|timeout"`

	end := c.now()
	lines, err := c.loki.QueryRange(ctx, query, end.Add(-c.window), end, defaultLogLimit)
	if err != nil {
		return incident.DiagnosticResult{}, err
	}

	var indicators []string
	if len(lines) > errorSpikeLines {
		indicators = append(indicators, "error_spike")
	}
	for _, p := range logPatterns {
		if anyLineContains(lines, p.needles) {
			indicators = append(indicators, p.indicator)
		}
	}

	samples := make([]string, 0, maxSampleLogLines)
	for _, l := range lines[:min(len(lines), maxSampleLogLines)] {
		samples = append(samples, truncate(l.Line, 300))
	}

	status := incident.CheckOK
	if len(indicators) > 0 {
		status = incident.CheckWarning
	}
	return incident.DiagnosticResult{
		Status: status,
		Findings: map[string]any{
			"window":     c.window.String(),
			"line_count": len(lines),
			"truncated":  len(lines) >= defaultLogLimit,
			"samples":    samples,
			"indicators": indicators,
			"query":      fmt.Sprintf("%.200s", query),
		},
	}, nil
}

func anyLineContains(lines []LogLine, needles []string) bool {
	for _, l := range lines {
		low := strings.ToLower(l.Line)
		for _, n := range needles {
			if strings.Contains(low, n) {
				return true
			}
		}
	}
	return false
}
