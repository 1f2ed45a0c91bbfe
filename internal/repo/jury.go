package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) InsertJuryEvaluationTx(ctx context.Context, tx *sql.Tx, j domain.JuryEvaluation) error {
	concerns, err := marshalNullable(j.Concerns)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jury_evaluations(id,work_item_id,stage,approvals,total,approval_rate,verdict,concerns_json,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.WorkItemID, string(j.Stage), j.Approvals, j.Total, j.ApprovalRate, j.Verdict, concerns, j.CreatedBy, j.CreatedAt)
	return mapInsertErr(err)
}

const juryColumns = `id,work_item_id,stage,approvals,total,approval_rate,verdict,concerns_json,created_by,created_at`

func scanJury(row rowScanner) (domain.JuryEvaluation, error) {
	var j domain.JuryEvaluation
	var concerns sql.NullString
	if err := row.Scan(&j.ID, &j.WorkItemID, &j.Stage, &j.Approvals, &j.Total, &j.ApprovalRate, &j.Verdict, &concerns, &j.CreatedBy, &j.CreatedAt); err != nil {
		return j, err
	}
	if concerns.Valid && concerns.String != "" {
		if err := json.Unmarshal([]byte(concerns.String), &j.Concerns); err != nil {
			return j, err
		}
	}
	return j, nil
}

// LatestJuryEvaluation returns ErrNotFound when the item has never been evaluated.
func (r Repo) LatestJuryEvaluation(ctx context.Context, tx *sql.Tx, workItemID string) (domain.JuryEvaluation, error) {
	j, err := scanJury(r.q(tx).QueryRowContext(ctx, `SELECT `+juryColumns+` FROM jury_evaluations WHERE work_item_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, workItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) ListJuryEvaluations(ctx context.Context, workItemID string) ([]domain.JuryEvaluation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+juryColumns+` FROM jury_evaluations WHERE work_item_id=? ORDER BY created_at DESC, rowid DESC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JuryEvaluation
	for rows.Next() {
		j, err := scanJury(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountJuryEvaluations(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM jury_evaluations WHERE work_item_id=?`, workItemID).Scan(&n)
	return n, err
}
