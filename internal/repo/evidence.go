package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(id,work_item_id,type,title,content,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.WorkItemID, d.Type, d.Title, nullable(d.Content), d.CreatedBy, d.CreatedAt)
	return mapInsertErr(err)
}

func (r Repo) ListDocuments(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.Document, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,work_item_id,type,title,COALESCE(content,''),created_by,created_at FROM documents WHERE work_item_id=? ORDER BY created_at, id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.WorkItemID, &d.Type, &d.Title, &d.Content, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DocumentTypes returns the distinct document types attached to a work item.
func (r Repo) DocumentTypes(ctx context.Context, tx *sql.Tx, workItemID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT DISTINCT type FROM documents WHERE work_item_id=? ORDER BY type`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertPrototype(ctx context.Context, tx *sql.Tx, p domain.Prototype) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO prototypes(id,work_item_id,type,url,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.WorkItemID, p.Type, nullable(p.URL), p.CreatedBy, p.CreatedAt)
	return mapInsertErr(err)
}

func (r Repo) CountPrototypes(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM prototypes WHERE work_item_id=?`, workItemID).Scan(&n)
	return n, err
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifacts(id,work_item_id,stage,type,label,path,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkItemID, string(a.Stage), a.Type, nullable(a.Label), nullable(a.Path), a.CreatedBy, a.CreatedAt)
	return mapInsertErr(err)
}

// ListArtifacts returns artifacts of a work item; an empty stage returns all stages.
func (r Repo) ListArtifacts(ctx context.Context, tx *sql.Tx, workItemID string, stage domain.Stage) ([]domain.Artifact, error) {
	query := `SELECT id,work_item_id,stage,type,COALESCE(label,''),COALESCE(path,''),created_by,created_at FROM artifacts WHERE work_item_id=?`
	args := []any{workItemID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, string(stage))
	}
	rows, err := r.q(tx).QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.WorkItemID, &a.Stage, &a.Type, &a.Label, &a.Path, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
