package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"vetline/internal/domain"
)

// Config models vetline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Run struct {
		MaxIterations int `yaml:"max_iterations"`
	} `yaml:"run"`
	Checkpoints struct {
		Catalog      map[string]CheckpointSpec `yaml:"catalog"`
		PhaseSignoff map[string]string         `yaml:"phase_signoff"`
	} `yaml:"checkpoints"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// CheckpointSpec describes one entry of the closed checkpoint-type set:
// whether the reviewer may edit the payload, how long it waits before the
// sweep treats it as rejected, and where a rejection routes the run.
type CheckpointSpec struct {
	Description        string            `yaml:"description,omitempty"`
	Editable           bool              `yaml:"editable"`
	TTL                string            `yaml:"ttl"`
	RejectRoutes       map[string]string `yaml:"reject_routes,omitempty"`
	DefaultRejectRoute string            `yaml:"default_reject_route,omitempty"`
	TerminalOnReject   bool              `yaml:"terminal_on_reject,omitempty"`
	RerunPhase         bool              `yaml:"rerun_phase,omitempty"`
}

// TTLDuration parses the catalog entry's TTL. Callers must have validated
// the config.
func (s CheckpointSpec) TTLDuration() time.Duration {
	d, _ := time.ParseDuration(s.TTL)
	return d
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Checkpoint type names. The catalog is a closed set; unknown types are a
// config error, not a runtime fallback.
const (
	CheckpointApproveBrief            = "approve_brief"
	CheckpointApproveExperimentPlan   = "approve_experiment_plan"
	CheckpointApprovePricingTest      = "approve_pricing_test"
	CheckpointApproveDiscoveryOutput  = "approve_discovery_output"
	CheckpointApproveCampaignLaunch   = "approve_campaign_launch"
	CheckpointApproveSpendIncrease    = "approve_spend_increase"
	CheckpointApproveDesirabilityGate = "approve_desirability_gate"
	CheckpointApproveFeasibilityGate  = "approve_feasibility_gate"
	CheckpointApproveViabilityGate    = "approve_viability_gate"
	CheckpointRequestHumanDecision    = "request_human_decision"
)

var checkpointTypes = []string{
	CheckpointApproveBrief,
	CheckpointApproveExperimentPlan,
	CheckpointApprovePricingTest,
	CheckpointApproveDiscoveryOutput,
	CheckpointApproveCampaignLaunch,
	CheckpointApproveSpendIncrease,
	CheckpointApproveDesirabilityGate,
	CheckpointApproveFeasibilityGate,
	CheckpointApproveViabilityGate,
	CheckpointRequestHumanDecision,
}

// KnownCheckpointType reports membership in the closed set.
func KnownCheckpointType(name string) bool {
	for _, t := range checkpointTypes {
		if t == name {
			return true
		}
	}
	return false
}

// ActionCheckpointType reports whether the type gates an executor side effect
// (the run re-runs the same phase after approval).
func ActionCheckpointType(name string) bool {
	switch name {
	case CheckpointApproveExperimentPlan,
		CheckpointApprovePricingTest,
		CheckpointApproveCampaignLaunch,
		CheckpointApproveSpendIncrease:
		return true
	}
	return false
}

// CheckpointSpecFor returns the catalog entry for a checkpoint type.
func (c *Config) CheckpointSpecFor(name string) (CheckpointSpec, error) {
	spec, ok := c.Checkpoints.Catalog[name]
	if !ok {
		return CheckpointSpec{}, fmt.Errorf("checkpoint type %s not in catalog", name)
	}
	return spec, nil
}

// SignoffFor returns the checkpoint type a phase suspends on after a Proceed
// gate decision, or "" if the phase auto-advances.
func (c *Config) SignoffFor(phase domain.Phase) string {
	return c.Checkpoints.PhaseSignoff[string(phase)]
}

// MaxIterations returns the per-phase retry cap.
func (c *Config) MaxIterations() int {
	if c.Run.MaxIterations <= 0 {
		return 3
	}
	return c.Run.MaxIterations
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with vl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "validation-project" {
		return fmt.Errorf("config.project.kind must be 'validation-project'")
	}
	if c.Run.MaxIterations < 0 {
		return fmt.Errorf("config.run.max_iterations must not be negative")
	}
	if len(c.Checkpoints.Catalog) == 0 {
		return fmt.Errorf("config.checkpoints.catalog is required")
	}
	for _, name := range checkpointTypes {
		if _, ok := c.Checkpoints.Catalog[name]; !ok {
			return fmt.Errorf("config.checkpoints.catalog missing required type %s", name)
		}
	}
	for name, spec := range c.Checkpoints.Catalog {
		if !KnownCheckpointType(name) {
			return fmt.Errorf("unknown checkpoint type %s in catalog", name)
		}
		d, err := time.ParseDuration(spec.TTL)
		if err != nil || d <= 0 {
			return fmt.Errorf("checkpoint %s has invalid ttl %q", name, spec.TTL)
		}
		if spec.TerminalOnReject {
			if len(spec.RejectRoutes) > 0 {
				return fmt.Errorf("checkpoint %s is terminal on reject and must not declare routes", name)
			}
			continue
		}
		if len(spec.RejectRoutes) == 0 {
			return fmt.Errorf("checkpoint %s must declare reject routes or terminal_on_reject", name)
		}
		for route, target := range spec.RejectRoutes {
			if route == "" {
				return fmt.Errorf("checkpoint %s has empty route name", name)
			}
			if !domain.ValidPhase(domain.Phase(target)) {
				return fmt.Errorf("checkpoint %s route %s targets unknown phase %q", name, route, target)
			}
		}
		if spec.DefaultRejectRoute == "" {
			return fmt.Errorf("checkpoint %s missing default_reject_route", name)
		}
		if _, ok := spec.RejectRoutes[spec.DefaultRejectRoute]; !ok {
			return fmt.Errorf("checkpoint %s default route %s not declared", name, spec.DefaultRejectRoute)
		}
	}
	for phase, name := range c.Checkpoints.PhaseSignoff {
		if !domain.ValidPhase(domain.Phase(phase)) {
			return fmt.Errorf("phase_signoff references unknown phase %q", phase)
		}
		if _, ok := c.Checkpoints.Catalog[name]; !ok {
			return fmt.Errorf("phase_signoff for %s references unknown checkpoint %s", phase, name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vetline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "validation-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: validation-project

run:
  max_iterations: 3

checkpoints:
  catalog:
    approve_brief:
      description: "Founder reviews the generated business brief"
      editable: true
      ttl: 720h
      reject_routes:
        revise: brief
      default_reject_route: revise

    approve_experiment_plan:
      description: "Sign off the discovery experiment plan"
      editable: true
      ttl: 168h
      rerun_phase: true
      reject_routes:
        replan: discovery
      default_reject_route: replan

    approve_pricing_test:
      description: "Sign off a live pricing test"
      editable: true
      ttl: 168h
      rerun_phase: true
      reject_routes:
        revise: desirability
      default_reject_route: revise

    approve_discovery_output:
      description: "Review customer/value discovery output"
      editable: false
      ttl: 720h
      reject_routes:
        request_research: discovery
        request_changes: brief
      default_reject_route: request_research

    approve_campaign_launch:
      description: "Approve launching a real ad campaign"
      editable: true
      ttl: 168h
      rerun_phase: true
      reject_routes:
        revise: desirability
      default_reject_route: revise

    approve_spend_increase:
      description: "Approve a campaign spend increase"
      editable: true
      ttl: 24h
      rerun_phase: true
      reject_routes:
        revise: desirability
      default_reject_route: revise

    approve_desirability_gate:
      description: "Human sign-off of the desirability gate result"
      editable: false
      ttl: 720h
      reject_routes:
        rerun: desirability
      default_reject_route: rerun

    approve_feasibility_gate:
      description: "Human sign-off of the feasibility gate result"
      editable: false
      ttl: 720h
      reject_routes:
        rerun: feasibility
      default_reject_route: rerun

    approve_viability_gate:
      description: "Human sign-off of the viability gate result"
      editable: false
      ttl: 720h
      reject_routes:
        rerun: viability
      default_reject_route: rerun

    request_human_decision:
      description: "Final go/no-go decision on the validated idea"
      editable: false
      ttl: 2160h
      terminal_on_reject: true

  phase_signoff:
    brief: approve_brief
    discovery: approve_discovery_output
    desirability: approve_desirability_gate
    feasibility: approve_feasibility_gate
    viability: approve_viability_gate
`
