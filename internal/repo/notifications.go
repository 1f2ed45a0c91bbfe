package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	payload, err := marshalNullable(n.Payload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,workspace_id,cluster_id,kind,title,message,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.WorkspaceID, nullable(n.ClusterID), n.Kind, n.Title, n.Message, payload, n.CreatedAt)
	return mapInsertErr(err)
}

func (r Repo) ListNotifications(ctx context.Context, workspaceID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,COALESCE(cluster_id,''),kind,title,message,payload_json,created_at FROM notifications WHERE workspace_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload sql.NullString
		if err := rows.Scan(&n.ID, &n.WorkspaceID, &n.ClusterID, &n.Kind, &n.Title, &n.Message, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(payload, &n.Payload); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
