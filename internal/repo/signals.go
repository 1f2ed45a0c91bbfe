package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"stageline/internal/domain"
)

const signalColumns = `id,workspace_id,text,embedding_json,status,severity,COALESCE(source,''),created_at,updated_at`

func scanSignal(row rowScanner) (domain.EvidenceSignal, error) {
	var s domain.EvidenceSignal
	var emb sql.NullString
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.Text, &emb, &s.Status, &s.Severity, &s.Source, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	if emb.Valid && emb.String != "" {
		if err := json.Unmarshal([]byte(emb.String), &s.Embedding); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.EvidenceSignal) error {
	emb, err := marshalNullable(s.Embedding)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO signals(id,workspace_id,text,embedding_json,status,severity,source,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkspaceID, s.Text, emb, string(s.Status), string(s.Severity), nullable(s.Source), s.CreatedAt, s.UpdatedAt)
	return mapInsertErr(err)
}

func (r Repo) GetSignal(ctx context.Context, tx *sql.Tx, id string) (domain.EvidenceSignal, error) {
	s, err := scanSignal(r.q(tx).QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

type SignalFilters struct {
	WorkspaceID string
	Statuses    []domain.SignalStatus
	Limit       int
}

func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.EvidenceSignal, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + signalColumns + ` FROM signals ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidenceSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSignalStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.SignalStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE signals SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkSignalTx links a signal to a work item and flips the signal to linked. Re-linking the same pair is a no-op.
func (r Repo) LinkSignalTx(ctx context.Context, tx *sql.Tx, l domain.SignalLink) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO signal_links(signal_id,work_item_id,reason,linked_by,created_at) VALUES (?,?,?,?,?)`,
		l.SignalID, l.WorkItemID, nullable(l.Reason), l.LinkedBy, l.CreatedAt); err != nil {
		return err
	}
	return r.UpdateSignalStatusTx(ctx, tx, l.SignalID, domain.SignalLinked, l.CreatedAt)
}

func (r Repo) ListSignalLinks(ctx context.Context, workItemID string) ([]domain.SignalLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT signal_id,work_item_id,COALESCE(reason,''),linked_by,created_at FROM signal_links WHERE work_item_id=? ORDER BY created_at, signal_id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignalLink
	for rows.Next() {
		var l domain.SignalLink
		if err := rows.Scan(&l.SignalID, &l.WorkItemID, &l.Reason, &l.LinkedBy, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLinkedSignals(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM signal_links WHERE work_item_id=?`, workItemID).Scan(&n)
	return n, err
}
