package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertStageTransitionTx(ctx context.Context, tx *sql.Tx, ev domain.StageTransitionEvent) error {
	jobs, err := marshalNullable(ev.JobIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_transitions(id,workspace_id,work_item_id,from_stage,to_stage,actor_id,actor_kind,reason,forced,job_ids_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.WorkspaceID, ev.WorkItemID, string(ev.FromStage), string(ev.ToStage), ev.ActorID, string(ev.ActorKind), nullable(ev.Reason), boolInt(ev.Forced), jobs, ev.CreatedAt)
	return mapInsertErr(err)
}

// CountTransitionsSince counts transitions of one item into one stage by actors of the given kind at or after since.
func (r Repo) CountTransitionsSince(ctx context.Context, workItemID string, toStage domain.Stage, kind domain.ActorKind, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_transitions WHERE work_item_id=? AND to_stage=? AND actor_kind=? AND created_at>=?`,
		workItemID, string(toStage), string(kind), since).Scan(&n)
	return n, err
}

func (r Repo) ListStageTransitions(ctx context.Context, workItemID string) ([]domain.StageTransitionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,work_item_id,from_stage,to_stage,actor_id,actor_kind,COALESCE(reason,''),forced,job_ids_json,created_at FROM stage_transitions WHERE work_item_id=? ORDER BY created_at, rowid`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransitionEvent
	for rows.Next() {
		var ev domain.StageTransitionEvent
		var forced int
		var jobs sql.NullString
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.WorkItemID, &ev.FromStage, &ev.ToStage, &ev.ActorID, &ev.ActorKind, &ev.Reason, &forced, &jobs, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Forced = forced == 1
		if err := unmarshalNullable(jobs, &ev.JobIDs); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
