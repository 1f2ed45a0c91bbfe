package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stageline/internal/domain"
)

const jobColumns = `id,workspace_id,COALESCE(work_item_id,''),type,status,input_json,auto_triggered,created_at,updated_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var input sql.NullString
	var auto int
	if err := row.Scan(&j.ID, &j.WorkspaceID, &j.WorkItemID, &j.Type, &j.Status, &input, &auto, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return j, err
	}
	j.AutoTriggered = auto == 1
	return j, unmarshalNullable(input, &j.Input)
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	input, err := marshalNullable(j.Input)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO jobs(id,workspace_id,work_item_id,type,status,input_json,auto_triggered,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.WorkspaceID, nullable(j.WorkItemID), j.Type, j.Status, input, boolInt(j.AutoTriggered), j.CreatedAt, j.UpdatedAt)
	return mapInsertErr(err)
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

type JobFilters struct {
	WorkspaceID string
	WorkItemID  string
	Status      string
	Type        string
	Limit       int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	for col, v := range map[string]string{"workspace_id": f.WorkspaceID, "work_item_id": f.WorkItemID, "status": f.Status, "type": f.Type} {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
