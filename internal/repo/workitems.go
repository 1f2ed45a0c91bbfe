package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"stageline/internal/domain"
)

const workItemColumns = `id,workspace_id,name,COALESCE(description,''),stage,status,metadata_json,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var meta sql.NullString
	if err := row.Scan(&w.ID, &w.WorkspaceID, &w.Name, &w.Description, &w.Stage, &w.Status, &meta, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, err
	}
	if err := unmarshalNullable(meta, &w.Metadata); err != nil {
		return w, err
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	meta, err := marshalNullable(w.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO work_items(id,workspace_id,name,description,stage,status,metadata_json,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkspaceID, w.Name, nullable(w.Description), string(w.Stage), w.Status, meta, w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	return mapInsertErr(err)
}

func (r Repo) GetWorkItem(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

type WorkItemFilters struct {
	WorkspaceID string
	Stage       string
	Status      string
	Limit       int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWorkItemStageTx moves the item only if it is still at from, so a concurrent transition loses cleanly.
func (r Repo) UpdateWorkItemStageTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Stage, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET stage=?, updated_at=? WHERE id=? AND stage=?`, string(to), now, id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateWorkItemStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateWorkItemMetadataTx(ctx context.Context, tx *sql.Tx, id string, metadata map[string]any, now string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET metadata_json=?, updated_at=? WHERE id=?`, string(data), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
