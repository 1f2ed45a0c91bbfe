package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, workspaceID, actorID, roleID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(workspace_id,actor_id,role_id,created_at) VALUES (?,?,?,?)`, workspaceID, actorID, roleID, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, workspaceID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE workspace_id=? AND actor_id=? AND role_id=?`, workspaceID, actorID, roleID)
	return err
}

// ActorRoles returns the role ids granted to an actor in a workspace.
func (r Repo) ActorRoles(ctx context.Context, workspaceID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE workspace_id=? AND actor_id=? ORDER BY role_id`, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
