// Package playbook holds the service and runbook catalog and the default
// triage and remediation strategies built on it.
package playbook

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/checks"
)

//go:embed default.yaml
var defaultCatalog []byte

// Service describes one service the catalog knows about.
type Service struct {
	Namespace        string         `yaml:"namespace"`
	OwnerTeam        string         `yaml:"owner_team"`
	Tier             int            `yaml:"tier"`
	HealthURL        string         `yaml:"health_url"`
	Dependencies     []string       `yaml:"dependencies"`
	RelatedIncidents []string       `yaml:"related_incidents"`
	Deploys          []DeployRecord `yaml:"deploys"`

	// Config is the configuration the service is expected to run with.
	Config checks.ServiceConfig `yaml:"config"`
}

// DeployRecord is a deploy marker, newest first.
type DeployRecord struct {
	Version    string    `yaml:"version"`
	Author     string    `yaml:"author"`
	DeployedAt time.Time `yaml:"deployed_at"`
}

// Rotation is a team's on-call chain.
type Rotation struct {
	Primary string `yaml:"primary"`
	OnCall  string `yaml:"oncall"`
	Senior  string `yaml:"senior"`
	Manager string `yaml:"manager"`
	Channel string `yaml:"channel"`
}

// Runbook is a remediation procedure bound to one action.
type Runbook struct {
	ID          string   `yaml:"id" json:"id"`
	Action      string   `yaml:"action" json:"action"`
	Name        string   `yaml:"name" json:"name"`
	Risk        string   `yaml:"risk" json:"risk"`
	AutoApprove bool     `yaml:"auto_approve" json:"auto_approve"`
	Steps       []string `yaml:"steps" json:"steps"`
	Symptoms    []string `yaml:"symptoms" json:"symptoms"`
}

// Catalog is the parsed playbook file.
type Catalog struct {
	DefaultTeam string              `yaml:"default_team"`
	Services    map[string]Service  `yaml:"services"`
	Teams       map[string]Rotation `yaml:"teams"`
	Runbooks    []Runbook           `yaml:"runbooks"`
	// Indicators maps diagnostic indicators to remediation symptoms.
	Indicators map[string]string `yaml:"indicator_symptoms"`
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("playbook: built-in catalog is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks runbook identity and team references.
func (c *Catalog) Validate() error {
	var errs []error
	if len(c.Runbooks) == 0 {
		errs = append(errs, errors.New("catalog has no runbooks"))
	}
	ids := make(map[string]bool, len(c.Runbooks))
	actions := make(map[string]bool, len(c.Runbooks))
	for i, rb := range c.Runbooks {
		switch {
		case rb.ID == "" || rb.Action == "":
			errs = append(errs, fmt.Errorf("runbook %d: id and action are required", i))
		case ids[rb.ID]:
			errs = append(errs, fmt.Errorf("duplicate runbook id %q", rb.ID))
		case actions[rb.Action]:
			errs = append(errs, fmt.Errorf("duplicate runbook action %q", rb.Action))
		}
		ids[rb.ID] = true
		actions[rb.Action] = true
	}
	for name, svc := range c.Services {
		if svc.Tier < 0 || svc.Tier > 3 {
			errs = append(errs, fmt.Errorf("service %s: tier %d (must be 0..3)", name, svc.Tier))
		}
	}
	if c.DefaultTeam != "" {
		if _, ok := c.Teams[c.DefaultTeam]; !ok {
			errs = append(errs, fmt.Errorf("default team %q has no rotation", c.DefaultTeam))
		}
	}
	return errors.Join(errs...)
}

// Runbook returns the runbook for an action.
func (c *Catalog) Runbook(action string) (Runbook, bool) {
	i := slices.IndexFunc(c.Runbooks, func(rb Runbook) bool { return rb.Action == action })
	if i < 0 {
		return Runbook{}, false
	}
	return c.Runbooks[i], true
}

// RunbookForSymptom returns the first runbook, in catalog order, that
// lists the symptom.
func (c *Catalog) RunbookForSymptom(symptom string) (Runbook, bool) {
	for _, rb := range c.Runbooks {
		if slices.Contains(rb.Symptoms, symptom) {
			return rb, true
		}
	}
	return Runbook{}, false
}

// DeclaredConfig implements checks.DeclaredConfigs.
func (c *Catalog) DeclaredConfig(service string) (checks.ServiceConfig, bool) {
	svc, ok := c.Services[service]
	if !ok || svc.Config.IsZero() {
		return checks.ServiceConfig{}, false
	}
	return svc.Config, true
}

// Rotation returns the on-call rotation for team, falling back to the
// default team's.
func (c *Catalog) Rotation(team string) (Rotation, bool) {
	if r, ok := c.Teams[team]; ok {
		return r, true
	}
	r, ok := c.Teams[c.DefaultTeam]
	return r, ok
}
