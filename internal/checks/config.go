package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/linnemanlabs/warden/internal/incident"
)

// ServiceConfig is the deployment configuration compared for drift.
type ServiceConfig struct {
	Image  string            `json:"image,omitempty" yaml:"image"`
	Limits map[string]string `json:"limits,omitempty" yaml:"limits"`
	Env    map[string]string `json:"env,omitempty" yaml:"env"`
}

// IsZero reports whether nothing is declared.
func (c ServiceConfig) IsZero() bool {
	return c.Image == "" && len(c.Limits) == 0 && len(c.Env) == 0
}

// DeclaredConfigs looks up the configuration a service is expected to run with.
type DeclaredConfigs interface {
	DeclaredConfig(service string) (ServiceConfig, bool)
}

// Drift is one declared field whose live value differs.
type Drift struct {
	Field    string `json:"field"`
	Declared string `json:"declared"`
	Live     string `json:"live"`
}

// ConfigClient reads live service configuration from a config API.
type ConfigClient struct {
	c observabilityClient
}

// NewConfigClient creates a client for a config API serving
// GET {endpoint}/api/v1/services/{service}/config.
func NewConfigClient(endpoint, tenantID string) *ConfigClient {
	return &ConfigClient{c: newObservabilityClient(endpoint, tenantID)}
}

// Live returns the running configuration of service.
func (c *ConfigClient) Live(ctx context.Context, service string) (ServiceConfig, error) {
	if err := checkServiceName(service); err != nil || service == "." || service == ".." {
		return ServiceConfig{}, fmt.Errorf("service name %q cannot be used in a config path", service)
	}
	body, err := c.c.get(ctx, "api/v1/services/"+service+"/config", nil)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("config query: %w", err)
	}
	var live ServiceConfig
	if err := json.Unmarshal(body, &live); err != nil {
		return ServiceConfig{}, fmt.Errorf("decode config response: %w", err)
	}
	return live, nil
}

// ConfigCheck compares the declared configuration of the alerting service
// with what is running. The live side comes from the config API when one is
// configured, otherwise from a "config" object in the alert payload.
type ConfigCheck struct {
	declared DeclaredConfigs
	live     *ConfigClient
}

// NewConfigCheck returns a ConfigCheck; live may be nil.
func NewConfigCheck(declared DeclaredConfigs, live *ConfigClient) *ConfigCheck {
	return &ConfigCheck{declared: declared, live: live}
}

// Name implements diagnostics.Check.
func (*ConfigCheck) Name() string { return "config" }

// Run implements diagnostics.Check.
func (c *ConfigCheck) Run(ctx context.Context, ic incident.Context) (incident.DiagnosticResult, error) {
	service := ic.Alert.Service
	declared, ok := c.declared.DeclaredConfig(service)
	if !ok || declared.IsZero() {
		return incident.DiagnosticResult{
			Status:   incident.CheckOK,
			Findings: map[string]any{"declared": false, "indicators": []string{}},
		}, nil
	}

	var live ServiceConfig
	source := "alert"
	if c.live != nil {
		var err error
		if live, err = c.live.Live(ctx, service); err != nil {
			return incident.DiagnosticResult{}, err
		}
		source = "config_api"
	} else if live, ok = configFromPayload(ic.Alert.Raw["config"]); !ok {
		return incident.DiagnosticResult{
			Status:   incident.CheckOK,
			Findings: map[string]any{"declared": true, "live": "unavailable", "indicators": []string{}},
		}, nil
	}

	drifts := diffConfig(declared, live)
	status := incident.CheckOK
	indicators := []string{}
	if len(drifts) > 0 {
		status = incident.CheckWarning
		indicators = append(indicators, "config_drift")
	}
	return incident.DiagnosticResult{
		Status: status,
		Findings: map[string]any{
			"source":     source,
			"drifts":     drifts,
			"indicators": indicators,
		},
	}, nil
}

// diffConfig reports declared fields whose live value differs, sorted by
// field. Live settings that are not declared are ignored.
func diffConfig(declared, live ServiceConfig) []Drift {
	var out []Drift
	if declared.Image != "" && declared.Image != live.Image {
		out = append(out, Drift{Field: "image", Declared: declared.Image, Live: live.Image})
	}
	for k, want := range declared.Limits {
		if got := live.Limits[k]; got != want {
			out = append(out, Drift{Field: "limits." + k, Declared: want, Live: got})
		}
	}
	for k, want := range declared.Env {
		if got := live.Env[k]; got != want {
			out = append(out, Drift{Field: "env." + k, Declared: want, Live: got})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// configFromPayload reads a {"image", "limits", "env"} object as JSON
// decoders produce it. Scalar values are stringified.
func configFromPayload(v any) (ServiceConfig, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return ServiceConfig{}, false
	}
	var cfg ServiceConfig
	if img, ok := m["image"].(string); ok {
		cfg.Image = img
	}
	cfg.Limits = stringMap(m["limits"])
	cfg.Env = stringMap(m["env"])
	return cfg, true
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		case nil:
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}
