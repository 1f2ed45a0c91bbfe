package repo

import (
	"context"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type EventFilters struct {
	WorkspaceID string
	Type        string
	EntityKind  string
	EntityID    string
	Limit       int
	// Before pages backwards from an event id.
	Before int64
}

func scanEvents(ctx context.Context, r Repo, query string, args []any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkspaceID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(workspace_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'')`

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("workspace_id", f.WorkspaceID)
	add("type", f.Type)
	add("entity_kind", f.EntityKind)
	add("entity_id", f.EntityID)
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return scanEvents(ctx, r, query, append(args, f.Limit))
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, workspaceID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if workspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, workspaceID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return scanEvents(ctx, r, query, append(args, limit))
}

// LatestEventID returns the most recent event ID, optionally scoped to a workspace.
func (r Repo) LatestEventID(ctx context.Context, workspaceID string) (int64, error) {
	var id int64
	var err error
	if workspaceID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE workspace_id=?`, workspaceID).Scan(&id)
	}
	return id, err
}
