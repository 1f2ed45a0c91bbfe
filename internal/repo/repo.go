package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func mapInsertErr(err error) error {
	if err != nil && IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s := string(data); s != "null" && s != "{}" && s != "[]" {
		return s, nil
	}
	return nil, nil
}

func unmarshalNullable(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, ws domain.Workspace) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workspaces(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		ws.ID, ws.Name, ws.Status, nullable(ws.Description), ws.CreatedAt)
	return mapInsertErr(err)
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var ws domain.Workspace
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM workspaces WHERE id=?`, id).
		Scan(&ws.ID, &ws.Name, &ws.Status, &ws.Description, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ws, ErrNotFound
	}
	return ws, err
}

// SingleWorkspace returns the only workspace, or an error asking for --ws when several exist.
func (r Repo) SingleWorkspace(ctx context.Context) (domain.Workspace, error) {
	list, err := r.ListWorkspaces(ctx)
	if err != nil {
		return domain.Workspace{}, err
	}
	if len(list) == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if len(list) > 1 {
		return domain.Workspace{}, fmt.Errorf("multiple workspaces exist; specify --ws")
	}
	return list[0], nil
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Status, &ws.Description, &ws.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

// UpsertWorkspaceConfigTx stores cfg and replaces the relational stage and gate definitions derived from it.
func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config, now string) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_definitions WHERE workspace_id=?`, workspaceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM gate_definitions WHERE workspace_id=?`, workspaceID); err != nil {
		return err
	}
	for _, def := range cfg.StageDefinitions(workspaceID) {
		def.UpdatedAt = now
		if err := r.insertStageDefinition(ctx, tx, def); err != nil {
			return fmt.Errorf("stage %s: %w", def.Stage, err)
		}
	}
	gates, err := cfg.GateDefinitions(workspaceID)
	if err != nil {
		return err
	}
	for _, g := range gates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO gate_definitions(workspace_id,id,stage,name,type,config_json,required,failure_message) VALUES (?,?,?,?,?,?,?,?)`,
			workspaceID, g.ID, string(g.Stage), g.Name, string(g.Type), nullable(string(g.Config)), boolInt(g.Required), nullable(g.FailureMessage)); err != nil {
			return fmt.Errorf("gate %s: %w", g.ID, err)
		}
	}
	return nil
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) insertStageDefinition(ctx context.Context, tx *sql.Tx, def domain.StageDefinition) error {
	criteria, err := marshalNullable(def.Criteria)
	if err != nil {
		return err
	}
	thresholds, err := marshalNullable(def.MetricThresholds)
	if err != nil {
		return err
	}
	triggers, err := marshalNullable(def.AutomationTriggers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_definitions(workspace_id,stage,criteria_json,enforced,metric_thresholds_json,automation_triggers_json,updated_at) VALUES (?,?,?,?,?,?,?)`,
		def.WorkspaceID, string(def.Stage), criteria, boolInt(def.Enforced), thresholds, triggers, def.UpdatedAt)
	return err
}

// GetStageDefinition returns ErrNotFound when the stage is not configured for the workspace.
func (r Repo) GetStageDefinition(ctx context.Context, tx *sql.Tx, workspaceID string, stage domain.Stage) (domain.StageDefinition, error) {
	def := domain.StageDefinition{WorkspaceID: workspaceID, Stage: stage}
	var criteria, thresholds, triggers sql.NullString
	var enforced int
	err := r.q(tx).QueryRowContext(ctx, `SELECT criteria_json,enforced,metric_thresholds_json,automation_triggers_json,updated_at FROM stage_definitions WHERE workspace_id=? AND stage=?`,
		workspaceID, string(stage)).Scan(&criteria, &enforced, &thresholds, &triggers, &def.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}
	def.Enforced = enforced == 1
	if criteria.Valid && criteria.String != "" {
		def.Criteria = &domain.GraduationCriteria{}
		if err := json.Unmarshal([]byte(criteria.String), def.Criteria); err != nil {
			return def, fmt.Errorf("decode criteria: %w", err)
		}
	}
	if err := unmarshalNullable(thresholds, &def.MetricThresholds); err != nil {
		return def, fmt.Errorf("decode metric thresholds: %w", err)
	}
	if err := unmarshalNullable(triggers, &def.AutomationTriggers); err != nil {
		return def, fmt.Errorf("decode automation triggers: %w", err)
	}
	return def, nil
}

func (r Repo) ListGateDefinitions(ctx context.Context, workspaceID string, stage domain.Stage) ([]domain.GateDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,stage,name,type,config_json,required,COALESCE(failure_message,'') FROM gate_definitions WHERE workspace_id=? AND stage=? ORDER BY rowid`,
		workspaceID, string(stage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateDefinition
	for rows.Next() {
		g := domain.GateDefinition{WorkspaceID: workspaceID}
		var cfg sql.NullString
		var required int
		if err := rows.Scan(&g.ID, &g.Stage, &g.Name, &g.Type, &cfg, &required, &g.FailureMessage); err != nil {
			return nil, err
		}
		if cfg.Valid {
			g.Config = json.RawMessage(cfg.String)
		}
		g.Required = required == 1
		res = append(res, g)
	}
	return res, rows.Err()
}

// Timestamp formats t the way every table stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
