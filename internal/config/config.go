package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

// Config models stageline.yml.
type Config struct {
	Workspace struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"workspace" json:"workspace"`
	Stages     map[string]StageConfig `yaml:"stages" json:"stages"`
	Automation AutomationDefaults     `yaml:"automation" json:"automation"`
	Clustering Clustering             `yaml:"clustering" json:"clustering"`
	Scheduler  Scheduler              `yaml:"scheduler" json:"scheduler"`
	RBAC       struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type StageConfig struct {
	Enforced           bool                       `yaml:"enforced" json:"enforced"`
	Criteria           *domain.GraduationCriteria `yaml:"criteria" json:"criteria,omitempty"`
	MetricThresholds   map[string]float64         `yaml:"metric_thresholds" json:"metric_thresholds,omitempty"`
	AutomationTriggers []string                   `yaml:"automation_triggers" json:"automation_triggers,omitempty"`
	Gates              []GateConfig               `yaml:"gates" json:"gates,omitempty"`
}

type GateConfig struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	Type           string         `yaml:"type" json:"type"`
	Required       bool           `yaml:"required" json:"required"`
	FailureMessage string         `yaml:"failure_message" json:"failure_message,omitempty"`
	Config         map[string]any `yaml:"config" json:"config,omitempty"`
}

type AutomationDefaults struct {
	Depth               string  `yaml:"depth" json:"depth"`
	InitiativeThreshold int     `yaml:"initiative_threshold" json:"initiative_threshold"`
	DocThreshold        int     `yaml:"doc_threshold" json:"doc_threshold"`
	MinConfidence       float64 `yaml:"min_confidence" json:"min_confidence"`
	MinSeverity         string  `yaml:"min_severity" json:"min_severity,omitempty"`
	CooldownMinutes     int     `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	MaxActionsPerDay    int     `yaml:"max_actions_per_day" json:"max_actions_per_day"`
}

type Clustering struct {
	MaxDistance float64 `yaml:"max_distance" json:"max_distance"`
	MinMembers  int     `yaml:"min_members" json:"min_members"`
}

type Scheduler struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
	Concurrency     int `yaml:"concurrency" json:"concurrency"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl workspace config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	for name, st := range c.Stages {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("config.stages: %w", err)
		}
		if cr := st.Criteria; cr != nil {
			if cr.MinApprovalRate != nil && (*cr.MinApprovalRate < 0 || *cr.MinApprovalRate > 1) {
				return fmt.Errorf("stage %s min_approval_rate must be within [0,1]", name)
			}
			if cr.MinJuryEvaluations != nil && *cr.MinJuryEvaluations < 0 {
				return fmt.Errorf("stage %s min_jury_evaluations must be >= 0", name)
			}
			if cr.MinLinkedEvidence != nil && *cr.MinLinkedEvidence < 0 {
				return fmt.Errorf("stage %s min_linked_evidence must be >= 0", name)
			}
			for _, doc := range cr.RequiredDocuments {
				if doc == "" {
					return fmt.Errorf("stage %s has empty required document type", name)
				}
			}
		}
		for _, trig := range st.AutomationTriggers {
			if trig == "" {
				return fmt.Errorf("stage %s has empty automation trigger", name)
			}
		}
		seen := map[string]bool{}
		for _, g := range st.Gates {
			if g.ID == "" {
				return fmt.Errorf("stage %s has gate without id", name)
			}
			if seen[g.ID] {
				return fmt.Errorf("stage %s has duplicate gate id %s", name, g.ID)
			}
			seen[g.ID] = true
			switch domain.GateType(g.Type) {
			case domain.GateExistence, domain.GateContent, domain.GateArtifact, domain.GateMetricThreshold:
			default:
				return fmt.Errorf("gate %s has unsupported type %q", g.ID, g.Type)
			}
		}
	}
	if err := c.Automation.Validate(); err != nil {
		return fmt.Errorf("config.automation: %w", err)
	}
	if c.Clustering.MaxDistance < 0 || c.Clustering.MaxDistance > 2 {
		return fmt.Errorf("config.clustering.max_distance must be within [0,2]")
	}
	if c.Clustering.MinMembers != 0 && c.Clustering.MinMembers < 2 {
		return fmt.Errorf("config.clustering.min_members must be >= 2")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Validate checks automation defaults; zero values are allowed and replaced by Settings.
func (a AutomationDefaults) Validate() error {
	if a.Depth != "" {
		if _, err := domain.ParseDepth(a.Depth); err != nil {
			return err
		}
	}
	if a.MinSeverity != "" {
		if _, err := domain.ParseSeverity(a.MinSeverity); err != nil {
			return err
		}
	}
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1]")
	}
	if a.InitiativeThreshold < 0 || a.DocThreshold < 0 || a.CooldownMinutes < 0 || a.MaxActionsPerDay < 0 {
		return fmt.Errorf("thresholds and limits must be >= 0")
	}
	return nil
}

// Settings converts defaults into per-workspace automation settings.
func (a AutomationDefaults) Settings(workspaceID string) domain.AutomationSettings {
	s := domain.AutomationSettings{
		WorkspaceID:         workspaceID,
		Depth:               domain.Depth(a.Depth),
		InitiativeThreshold: a.InitiativeThreshold,
		DocThreshold:        a.DocThreshold,
		MinConfidence:       a.MinConfidence,
		MinSeverity:         domain.Severity(a.MinSeverity),
		CooldownMinutes:     a.CooldownMinutes,
		MaxActionsPerDay:    a.MaxActionsPerDay,
	}
	if s.Depth == "" {
		s.Depth = domain.DepthSuggest
	}
	if s.InitiativeThreshold == 0 {
		s.InitiativeThreshold = 3
	}
	if s.DocThreshold == 0 {
		s.DocThreshold = 5
	}
	return s
}

// StageDefinitions returns the relational form of the configured stages, ordered by pipeline position.
func (c *Config) StageDefinitions(workspaceID string) []domain.StageDefinition {
	var defs []domain.StageDefinition
	for name, st := range c.Stages {
		defs = append(defs, domain.StageDefinition{
			WorkspaceID:        workspaceID,
			Stage:              domain.Stage(name),
			Criteria:           st.Criteria,
			Enforced:           st.Enforced,
			MetricThresholds:   st.MetricThresholds,
			AutomationTriggers: st.AutomationTriggers,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Stage.Index() < defs[j].Stage.Index() })
	return defs
}

// GateDefinitions returns every configured gate with its JSON configuration.
func (c *Config) GateDefinitions(workspaceID string) ([]domain.GateDefinition, error) {
	var gates []domain.GateDefinition
	for _, def := range c.StageDefinitions(workspaceID) {
		for _, g := range c.Stages[string(def.Stage)].Gates {
			raw, err := json.Marshal(g.Config)
			if err != nil {
				return nil, fmt.Errorf("gate %s config: %w", g.ID, err)
			}
			name := g.Name
			if name == "" {
				name = g.ID
			}
			gates = append(gates, domain.GateDefinition{
				ID:             g.ID,
				WorkspaceID:    workspaceID,
				Stage:          def.Stage,
				Name:           name,
				Type:           domain.GateType(g.Type),
				Config:         raw,
				Required:       g.Required,
				FailureMessage: g.FailureMessage,
			})
		}
	}
	return gates, nil
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID, workspaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(workspaceID))).Decode(&cfg)
	cfg.Workspace.ID = workspaceID
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

const defaultTemplate = `workspace:
  id: %s
  name: %s

stages:
  discovery:
    enforced: true
    criteria:
      required_documents: [research]
      min_linked_evidence: 1

  prd:
    enforced: true
    criteria:
      required_documents: [prd]
    gates:
      - id: prd-exists
        name: PRD document present
        type: existence
        required: true
        config:
          pattern: prd.md
      - id: prd-sections
        name: PRD sections complete
        type: content
        required: true
        config:
          file: prd.md
          sections: ["## Problem", "## Goals", "## Success Metrics"]

  design:
    enforced: false
    criteria:
      required_documents: [design_brief]

  prototype:
    enforced: true
    automation_triggers: [build_prototype]
    criteria:
      require_prototype: true
    gates:
      - id: stories
        name: Storybook stories
        type: existence
        config:
          pattern: "*.stories.tsx"

  validate:
    enforced: true
    automation_triggers: [run_jury]
    criteria:
      min_jury_evaluations: 1
      min_approval_rate: 0.6

  tickets:
    enforced: false
    criteria:
      required_documents: [engineering_spec]

  alpha:
    enforced: true
    metric_thresholds:
      error_rate: 0.05
      activation_rate: 0.2
    criteria:
      require_metrics_gate: true
      allow_override: false
    gates:
      - id: alpha-errors
        name: Alpha error budget
        type: metric-threshold
        required: true
        config:
          metric: error_rate
          operator: "<="
          threshold: 0.05

  beta:
    enforced: true
    metric_thresholds:
      error_rate: 0.02
      activation_rate: 0.35
      retention_rate: 0.4
    criteria:
      require_metrics_gate: true
      allow_override: false

automation:
  depth: suggest
  initiative_threshold: 3
  doc_threshold: 5
  min_confidence: 0.6
  min_severity: ""
  cooldown_minutes: 60
  max_actions_per_day: 10

clustering:
  max_distance: 0.25
  min_members: 2

scheduler:
  interval_seconds: 300
  concurrency: 4

rbac:
  roles:
    owner:
      description: "Full control of the workspace"
      permissions: ["*"]
    member:
      description: "Moves work through the pipeline"
      permissions:
        - workitem.create
        - workitem.read
        - workitem.transition
        - evidence.write
        - signal.create
        - signal.read
        - automation.read
    viewer:
      description: "Read-only access"
      permissions: [workitem.read, signal.read, automation.read]
`
