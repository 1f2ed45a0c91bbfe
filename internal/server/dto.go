package server

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateWorkItemRequest struct {
	ID          *string        `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type AddDocumentRequest struct {
	Type    string `json:"type" example:"prd"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

type AddPrototypeRequest struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

type AddArtifactRequest struct {
	Type  string `json:"type" example:"storybook"`
	Label string `json:"label,omitempty"`
	Path  string `json:"path,omitempty"`
	Stage string `json:"stage,omitempty"`
}

type RecordJuryRequest struct {
	Approvals int      `json:"approvals" minimum:"0"`
	Total     int      `json:"total" minimum:"1"`
	Verdict   string   `json:"verdict,omitempty" enum:"pass,fail,conditional"`
	Concerns  []string `json:"concerns,omitempty"`
}

type SetMetricsRequest struct {
	Metrics map[string]float64 `json:"metrics"`
}

type TransitionRequest struct {
	ToStage       string `json:"to_stage" example:"prd"`
	Reason        string `json:"reason,omitempty"`
	ForceOverride bool   `json:"force_override,omitempty"`
}

type IngestSignalRequest struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Severity  string    `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Source    string    `json:"source,omitempty"`
}

type SetSignalStatusRequest struct {
	Status string `json:"status" enum:"new,reviewed,archived"`
}

type LinkSignalRequest struct {
	WorkItemID string `json:"work_item_id"`
	Reason     string `json:"reason,omitempty"`
}

// UpdateAutomationSettingsRequest applies only the fields that are set.
type UpdateAutomationSettingsRequest struct {
	Depth               *string  `json:"depth,omitempty" enum:"manual,suggest,auto_create,full_auto"`
	InitiativeThreshold *int     `json:"initiative_threshold,omitempty"`
	DocThreshold        *int     `json:"doc_threshold,omitempty"`
	MinConfidence       *float64 `json:"min_confidence,omitempty"`
	MinSeverity         *string  `json:"min_severity,omitempty"`
	CooldownMinutes     *int     `json:"cooldown_minutes,omitempty"`
	MaxActionsPerDay    *int     `json:"max_actions_per_day,omitempty"`
}

type SetJobStatusRequest struct {
	Status string `json:"status" enum:"pending,running,completed,failed"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (r UpdateAutomationSettingsRequest) apply(s domain.AutomationSettings) domain.AutomationSettings {
	if r.Depth != nil {
		s.Depth = domain.Depth(*r.Depth)
	}
	if r.InitiativeThreshold != nil {
		s.InitiativeThreshold = *r.InitiativeThreshold
	}
	if r.DocThreshold != nil {
		s.DocThreshold = *r.DocThreshold
	}
	if r.MinConfidence != nil {
		s.MinConfidence = *r.MinConfidence
	}
	if r.MinSeverity != nil {
		s.MinSeverity = domain.Severity(*r.MinSeverity)
	}
	if r.CooldownMinutes != nil {
		s.CooldownMinutes = *r.CooldownMinutes
	}
	if r.MaxActionsPerDay != nil {
		s.MaxActionsPerDay = *r.MaxActionsPerDay
	}
	return s
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		WorkspaceID: e.WorkspaceID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
