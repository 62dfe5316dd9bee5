package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/warden/internal/incident"
)

// MetricQuery is a PromQL template; $service is replaced with the alert's
// service name. A result at or above Threshold raises Indicator.
type MetricQuery struct {
	Name      string
	Expr      string
	Threshold float64
	Indicator string
}

// DefaultMetricQueries cover saturation, errors and latency for
// Kubernetes workloads labelled by container name.
var DefaultMetricQueries = []MetricQuery{
	{
		Name:      "cpu_percent",
		Expr:      `100 * sum(rate(container_cpu_usage_seconds_total{container="$service"}[5m])) / sum(kube_pod_container_resource_limits{container="$service",resource="cpu"})`,
		Threshold: 90,
		Indicator: "cpu_critical",
	},
	{
		Name:      "memory_percent",
		Expr:      `100 * sum(container_memory_working_set_bytes{container="$service"}) / sum(kube_pod_container_resource_limits{container="$service",resource="memory"})`,
		Threshold: 90,
		Indicator: "memory_critical",
	},
	{
		Name:      "error_ratio",
		Expr:      `sum(rate(http_requests_total{service="$service",code=~"5.."}[5m])) / sum(rate(http_requests_total{service="$service"}[5m]))`,
		Threshold: 0.05,
		Indicator: "extreme_error_rate",
	},
	{
		Name:      "p99_latency_seconds",
		Expr:      `histogram_quantile(0.99, sum by (le) (rate(http_request_duration_seconds_bucket{service="$service"}[5m])))`,
		Threshold: 1,
		Indicator: "latency_degradation",
	},
}

// MetricsCheck runs instant queries against Prometheus.
type MetricsCheck struct {
	prom    *PrometheusClient
	queries []MetricQuery
}

// NewMetricsCheck returns a MetricsCheck; nil queries use the defaults.
func NewMetricsCheck(prom *PrometheusClient, queries []MetricQuery) *MetricsCheck {
	if queries == nil {
		queries = DefaultMetricQueries
	}
	return &MetricsCheck{prom: prom, queries: queries}
}

// Name implements diagnostics.Check.
func (*MetricsCheck) Name() string { return "metrics" }

// Run implements diagnostics.Check. Individual query failures are
// reported in the findings; the check errors only when every query fails.
func (c *MetricsCheck) Run(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error) {
	if err := checkServiceName(ic.Alert.Service); err != nil {
		return incident.DiagnosticResult{}, err
	}

	values := map[string]float64{}
	failures := map[string]string{}
	var indicators []string
	var errs []error
	for _, mq := range c.queries {
		expr := strings.ReplaceAll(mq.Expr, "$service", ic.Alert.Service)
		samples, err := c.prom.Query(ctx, expr)
		if err != nil {
			failures[mq.Name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", mq.Name, err))
			continue
		}
		if len(samples) == 0 {
			continue
		}
		v := samples[0].Value
		for _, s := range samples[1:] {
			v = max(v, s.Value)
		}
		values[mq.Name] = v
		if v >= mq.Threshold {
			indicators = append(indicators, mq.Indicator)
		}
	}
	if len(errs) == len(c.queries) && len(errs) > 0 {
		return incident.DiagnosticResult{}, errors.Join(errs...)
	}

	status := incident.CheckOK
	if len(indicators) > 0 {
		status = incident.CheckWarning
	}
	findings := map[string]any{
		"values":     values,
		"indicators": indicators,
	}
	if len(failures) > 0 {
		findings["query_errors"] = failures
	}
	return incident.DiagnosticResult{Status: status, Findings: findings}, nil
}
