package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	WorkspaceCreated    = "workspace.created"
	WorkspaceConfigSet  = "workspace.config_imported"
	WorkItemCreated     = "workitem.created"
	WorkItemArchived    = "workitem.archived"
	WorkItemMetricsSet  = "workitem.metrics_set"
	StageTransitioned   = "workitem.stage_transitioned"
	DocumentAdded       = "document.added"
	PrototypeAdded      = "prototype.added"
	ArtifactAdded       = "artifact.added"
	JuryRecorded        = "jury.recorded"
	SignalIngested      = "signal.ingested"
	SignalStatusChanged = "signal.status_changed"
	SignalLinked        = "signal.linked"
	SettingsUpdated     = "automation.settings_updated"
	ActionRecorded      = "automation.action_recorded"
	AutomationNotified  = "automation.notified"
	JobEnqueued         = "job.enqueued"
	JobStatusChanged    = "job.status_changed"
	RoleGranted         = "rbac.role_granted"
	APIKeyCreated       = "apikey.created"
	APIKeyRevoked       = "apikey.revoked"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one event inside tx so it commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(workspaceID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
