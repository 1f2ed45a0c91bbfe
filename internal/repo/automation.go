package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) GetAutomationSettings(ctx context.Context, workspaceID string) (domain.AutomationSettings, error) {
	s := domain.AutomationSettings{WorkspaceID: workspaceID}
	var sev sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT depth,initiative_threshold,doc_threshold,min_confidence,min_severity,cooldown_minutes,max_actions_per_day,updated_at FROM automation_settings WHERE workspace_id=?`, workspaceID).
		Scan(&s.Depth, &s.InitiativeThreshold, &s.DocThreshold, &s.MinConfidence, &sev, &s.CooldownMinutes, &s.MaxActionsPerDay, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if sev.Valid {
		s.MinSeverity = domain.Severity(sev.String)
	}
	return s, err
}

func (r Repo) UpsertAutomationSettings(ctx context.Context, tx *sql.Tx, s domain.AutomationSettings) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO automation_settings(workspace_id,depth,initiative_threshold,doc_threshold,min_confidence,min_severity,cooldown_minutes,max_actions_per_day,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET depth=excluded.depth, initiative_threshold=excluded.initiative_threshold, doc_threshold=excluded.doc_threshold,
min_confidence=excluded.min_confidence, min_severity=excluded.min_severity, cooldown_minutes=excluded.cooldown_minutes,
max_actions_per_day=excluded.max_actions_per_day, updated_at=excluded.updated_at`,
		s.WorkspaceID, string(s.Depth), s.InitiativeThreshold, s.DocThreshold, s.MinConfidence, nullable(string(s.MinSeverity)), s.CooldownMinutes, s.MaxActionsPerDay, s.UpdatedAt)
	return err
}

// InsertAutomationAction appends an audit row. A second row for the same cluster and action type yields ErrDuplicate.
func (r Repo) InsertAutomationAction(ctx context.Context, tx *sql.Tx, a domain.AutomationActionRecord) error {
	meta, err := marshalNullable(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO automation_actions(id,workspace_id,cluster_id,action_type,work_item_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.ClusterID, string(a.ActionType), nullable(a.WorkItemID), meta, a.CreatedAt)
	return mapInsertErr(err)
}

// ClusterActioned reports whether any action was ever recorded for the cluster.
func (r Repo) ClusterActioned(ctx context.Context, workspaceID, clusterID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM automation_actions WHERE workspace_id=? AND cluster_id=?`, workspaceID, clusterID).Scan(&n)
	return n > 0, err
}

// CountClusterActionsSince counts actions for one cluster at or after since.
func (r Repo) CountClusterActionsSince(ctx context.Context, workspaceID, clusterID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM automation_actions WHERE workspace_id=? AND cluster_id=? AND created_at>=?`, workspaceID, clusterID, since).Scan(&n)
	return n, err
}

// CountWorkspaceActionsSince counts every action in the workspace at or after since.
func (r Repo) CountWorkspaceActionsSince(ctx context.Context, workspaceID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM automation_actions WHERE workspace_id=? AND created_at>=?`, workspaceID, since).Scan(&n)
	return n, err
}

func (r Repo) ListAutomationActions(ctx context.Context, workspaceID string, limit int) ([]domain.AutomationActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,cluster_id,action_type,COALESCE(work_item_id,''),metadata_json,created_at FROM automation_actions WHERE workspace_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationActionRecord
	for rows.Next() {
		var a domain.AutomationActionRecord
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.ClusterID, &a.ActionType, &a.WorkItemID, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(meta, &a.Metadata); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
