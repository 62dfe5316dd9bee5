// Package checks provides the diagnostic checks run against every incident:
// thresholds on the alert payload, Prometheus instant queries, a Loki scan
// of recent error logs, and a drift check of the declared service config.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"time"
)

const (
	httpTimeout   = 30 * time.Second
	maxBody       = 5 << 20 // 5 MB
	successStatus = "success"
)

// serviceNameRe limits what gets interpolated into PromQL and LogQL selectors.
var serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

func checkServiceName(s string) error {
	if !serviceNameRe.MatchString(s) {
		return fmt.Errorf("service name %q cannot be used in a query selector", s)
	}
	return nil
}

// observabilityClient is the HTTP plumbing shared by the Prometheus and
// Loki clients.
type observabilityClient struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

func newObservabilityClient(endpoint, tenantID string) observabilityClient {
	return observabilityClient{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: httpTimeout},
	}
}

func (c observabilityClient) get(ctx context.Context, apiPath string, q url.Values) ([]byte, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, apiPath)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", c.tenantID)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: endpoint is set at construction from config
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", apiPath, resp.StatusCode, truncate(string(body), 512))
	}
	return body, nil
}

// Sample is one element of an instant vector.
type Sample struct {
	Metric map[string]string
	Value  float64
}

type promResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []any             `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// parseVector decodes an instant vector reply, skipping malformed samples.
func parseVector(body []byte) ([]Sample, error) {
	var pr promResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if pr.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", pr.Error)
	}
	out := make([]Sample, 0, len(pr.Data.Result))
	for _, r := range pr.Data.Result {
		if len(r.Value) != 2 {
			continue
		}
		s, ok := r.Value[1].(string)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out = append(out, Sample{Metric: r.Metric, Value: v})
	}
	return out, nil
}

// PrometheusClient runs PromQL instant queries.
type PrometheusClient struct {
	c observabilityClient
}

// NewPrometheusClient creates a client for the Prometheus (or Mimir) HTTP API.
func NewPrometheusClient(endpoint, tenantID string) *PrometheusClient {
	return &PrometheusClient{c: newObservabilityClient(endpoint, tenantID)}
}

// Query evaluates expr at the current time.
func (p *PrometheusClient) Query(ctx context.Context, expr string) ([]Sample, error) {
	body, err := p.c.get(ctx, "api/v1/query", url.Values{"query": {expr}})
	if err != nil {
		return nil, fmt.Errorf("prometheus query: %w", err)
	}
	return parseVector(body)
}

// LogLine is one Loki log entry.
type LogLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// flattenStreams merges streams into at most limit lines, attaching the
// stream labels to each stream's first line only.
func flattenStreams(results []lokiStream, limit int) []LogLine {
	lines := make([]LogLine, 0, min(limit, 64))
	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := LogLine{Timestamp: entry[0], Line: entry[1]}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// LokiClient runs LogQL range queries.
type LokiClient struct {
	c observabilityClient
}

// NewLokiClient creates a client for the Loki HTTP API.
func NewLokiClient(endpoint, tenantID string) *LokiClient {
	return &LokiClient{c: newObservabilityClient(endpoint, tenantID)}
}

// QueryRange returns up to limit lines matching query between start and
// end, newest first.
func (l *LokiClient) QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]LogLine, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("start", start.UTC().Format(time.RFC3339Nano))
	q.Set("end", end.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "backward")

	body, err := l.c.get(ctx, "loki/api/v1/query_range", q)
	if err != nil {
		return nil, fmt.Errorf("loki query: %w", err)
	}
	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode loki response: %w", err)
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", truncate(string(body), 512))
	}
	return flattenStreams(lr.Data.Result, limit), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
