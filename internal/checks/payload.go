package checks

import (
	"context"
	"strconv"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Threshold flags a numeric value at or above Limit with Indicator.
type Threshold struct {
	Key       string
	Limit     float64
	Indicator string
}

// DefaultPayloadThresholds inspect the fields alert sources commonly attach.
var DefaultPayloadThresholds = []Threshold{
	{Key: "cpu_percent", Limit: 90, Indicator: "cpu_critical"},
	{Key: "memory_percent", Limit: 90, Indicator: "memory_critical"},
	{Key: "error_rate", Limit: 0.05, Indicator: "extreme_error_rate"},
	{Key: "p99_latency_ms", Limit: 1000, Indicator: "latency_degradation"},
	{Key: "connection_pool_utilization", Limit: 0.9, Indicator: "connection_pressure"},
}

// PayloadCheck compares numeric fields of the raw alert payload with
// thresholds. It needs no external system, so it always completes.
type PayloadCheck struct {
	thresholds []Threshold
}

// NewPayloadCheck returns a PayloadCheck; nil thresholds use the defaults.
func NewPayloadCheck(thresholds []Threshold) *PayloadCheck {
	if thresholds == nil {
		thresholds = DefaultPayloadThresholds
	}
	return &PayloadCheck{thresholds: thresholds}
}

// Name implements diagnostics.Check.
func (*PayloadCheck) Name() string { return "payload" }

// Run implements diagnostics.Check.
func (c *PayloadCheck) Run(_ context.Context, ic incident.Context) (incident.DiagnosticResult, error) {
	values := map[string]float64{}
	var indicators []string
	for _, th := range c.thresholds {
		v, ok := number(ic.Alert.Raw[th.Key])
		if !ok {
			continue
		}
		values[th.Key] = v
		if v >= th.Limit {
			indicators = append(indicators, th.Indicator)
		}
	}

	status := incident.CheckOK
	if len(indicators) > 0 {
		status = incident.CheckWarning
	}
	return incident.DiagnosticResult{
		Status: status,
		Findings: map[string]any{
			"values":     values,
			"indicators": indicators,
		},
	}, nil
}

// number accepts the numeric shapes JSON and YAML decoders produce, plus
// numeric strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
