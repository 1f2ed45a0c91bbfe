package app

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

// ResolveWorkspaceAndConfig picks the active workspace and ensures it exists in
// the DB with a stored config. It prefers the override, then the id in
// stageline.yml, then a single-workspace DB. A missing workspace is created on
// the fly from stageline.yml or the default template.
func ResolveWorkspaceAndConfig(ctx context.Context, eng engine.Engine, dir, override, actorID string) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(dir)
	if err != nil {
		return "", nil, err
	}
	workspaceID := override
	if workspaceID == "" && fileCfg != nil {
		workspaceID = fileCfg.Workspace.ID
	}
	if workspaceID == "" {
		ws, err := eng.Repo.SingleWorkspace(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("workspace not specified; use --ws or run sl init")
			}
			return "", nil, err
		}
		workspaceID = ws.ID
	}

	if _, err := eng.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: workspaceID, Config: fileCfg, ActorID: actorID}); err != nil {
			return "", nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	cfg, err := eng.ConfigFor(ctx, workspaceID)
	if err != nil {
		return "", nil, err
	}
	cfg.Workspace.ID = workspaceID
	return workspaceID, cfg, nil
}
