package domain

import "encoding/json"

type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stage       Stage          `json:"stage"`
	Status      string         `json:"status" enum:"active,on_hold,archived"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// StageDefinition is the per-workspace configuration of one pipeline stage.
type StageDefinition struct {
	WorkspaceID        string              `json:"workspace_id"`
	Stage              Stage               `json:"stage"`
	Criteria           *GraduationCriteria `json:"criteria,omitempty"`
	Enforced           bool                `json:"enforced"`
	MetricThresholds   map[string]float64  `json:"metric_thresholds,omitempty"`
	AutomationTriggers []string            `json:"automation_triggers,omitempty"`
	UpdatedAt          string              `json:"updated_at" format:"date-time"`
}

type GateType string

const (
	GateExistence       GateType = "existence"
	GateContent         GateType = "content"
	GateArtifact        GateType = "artifact"
	GateMetricThreshold GateType = "metric-threshold"
)

type GateDefinition struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	Stage          Stage           `json:"stage,omitempty"`
	Name           string          `json:"name"`
	Type           GateType        `json:"type"`
	Config         json.RawMessage `json:"config,omitempty"`
	Required       bool            `json:"required"`
	FailureMessage string          `json:"failure_message,omitempty"`
}

// GraduationCriteria lists the optional requirements for leaving a stage.
// Nil pointers and empty slices mean "not configured".
type GraduationCriteria struct {
	RequiredDocuments  []string `json:"required_documents,omitempty" yaml:"required_documents"`
	MinApprovalRate    *float64 `json:"min_approval_rate,omitempty" yaml:"min_approval_rate"`
	MinJuryEvaluations *int     `json:"min_jury_evaluations,omitempty" yaml:"min_jury_evaluations"`
	RequirePrototype   bool     `json:"require_prototype,omitempty" yaml:"require_prototype"`
	MinLinkedEvidence  *int     `json:"min_linked_evidence,omitempty" yaml:"min_linked_evidence"`
	RequireMetricsGate bool     `json:"require_metrics_gate,omitempty" yaml:"require_metrics_gate"`
	AllowOverride      *bool    `json:"allow_override,omitempty" yaml:"allow_override"`
}

// OverrideAllowed defaults to true unless explicitly disabled.
func (c GraduationCriteria) OverrideAllowed() bool {
	return c.AllowOverride == nil || *c.AllowOverride
}

type Document struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Content    string `json:"content,omitempty"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Prototype struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Stage      Stage  `json:"stage"`
	Type       string `json:"type"`
	Label      string `json:"label,omitempty"`
	Path       string `json:"path,omitempty"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type JuryEvaluation struct {
	ID           string   `json:"id"`
	WorkItemID   string   `json:"work_item_id"`
	Stage        Stage    `json:"stage"`
	Approvals    int      `json:"approvals"`
	Total        int      `json:"total"`
	ApprovalRate float64  `json:"approval_rate"`
	Verdict      string   `json:"verdict" enum:"pass,fail,conditional"`
	Concerns     []string `json:"concerns,omitempty"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type EvidenceSignal struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	Text        string       `json:"text"`
	Embedding   []float32    `json:"embedding,omitempty"`
	Status      SignalStatus `json:"status"`
	Severity    Severity     `json:"severity"`
	Source      string       `json:"source,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

type SignalLink struct {
	SignalID   string `json:"signal_id"`
	WorkItemID string `json:"work_item_id"`
	Reason     string `json:"reason,omitempty"`
	LinkedBy   string `json:"linked_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// SignalCluster is recomputed on demand and never persisted.
type SignalCluster struct {
	ID              string   `json:"id"`
	WorkspaceID     string   `json:"workspace_id"`
	Theme           string   `json:"theme"`
	MemberIDs       []string `json:"member_ids"`
	Severity        Severity `json:"severity"`
	Confidence      float64  `json:"confidence"`
	SuggestedAction string   `json:"suggested_action"`
}

func (c SignalCluster) MemberCount() int { return len(c.MemberIDs) }

type AutomationSettings struct {
	WorkspaceID         string   `json:"workspace_id"`
	Depth               Depth    `json:"depth"`
	InitiativeThreshold int      `json:"initiative_threshold"`
	DocThreshold        int      `json:"doc_threshold"`
	MinConfidence       float64  `json:"min_confidence"`
	MinSeverity         Severity `json:"min_severity,omitempty"`
	CooldownMinutes     int      `json:"cooldown_minutes"`
	MaxActionsPerDay    int      `json:"max_actions_per_day"`
	UpdatedAt           string   `json:"updated_at,omitempty" format:"date-time"`
}

// AutomationActionRecord is an immutable audit row.
type AutomationActionRecord struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ClusterID   string         `json:"cluster_id"`
	ActionType  ActionType     `json:"action_type"`
	WorkItemID  string         `json:"work_item_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// StageTransitionEvent is an immutable audit row.
type StageTransitionEvent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	WorkItemID  string    `json:"work_item_id"`
	FromStage   Stage     `json:"from_stage"`
	ToStage     Stage     `json:"to_stage"`
	ActorID     string    `json:"actor_id"`
	ActorKind   ActorKind `json:"actor_kind"`
	Reason      string    `json:"reason,omitempty"`
	Forced      bool      `json:"forced"`
	JobIDs      []string  `json:"job_ids,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

type Job struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	WorkItemID    string         `json:"work_item_id,omitempty"`
	Type          string         `json:"type"`
	Status        string         `json:"status" enum:"pending,running,completed,failed"`
	Input         map[string]any `json:"input,omitempty"`
	AutoTriggered bool           `json:"auto_triggered"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type Notification struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ClusterID   string         `json:"cluster_id,omitempty"`
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
