// Package auth resolves actor permissions from workspace roles.
package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"stageline/internal/config"
	"stageline/internal/repo"
)

const (
	PermWorkItemCreate     = "workitem.create"
	PermWorkItemRead       = "workitem.read"
	PermWorkItemTransition = "workitem.transition"
	PermTransitionOverride = "workitem.transition.override"
	PermEvidenceWrite      = "evidence.write"
	PermSignalCreate       = "signal.create"
	PermSignalRead         = "signal.read"
	PermSignalWrite        = "signal.write"
	PermAutomationRead     = "automation.read"
	PermAutomationWrite    = "automation.write"
	PermJobWrite           = "job.write"
	PermWorkspaceAdmin     = "workspace.admin"
)

const RoleOwner = "owner"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service checks grants stored in actor_roles against the roles defined in
// the workspace config.
type Service struct {
	Repo repo.Repo
}

// Permissions returns the sorted, de-duplicated permissions granted to the actor.
func (s Service) Permissions(ctx context.Context, cfg *config.Config, workspaceID, actorID string) ([]string, error) {
	roles, err := s.Repo.ActorRoles(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, roleID := range roles {
		if cfg == nil {
			continue
		}
		role, ok := cfg.RBAC.Roles[roleID]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			seen[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(seen))
	for p := range seen {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) Can(ctx context.Context, cfg *config.Config, workspaceID, actorID, perm string) (bool, error) {
	perms, err := s.Permissions(ctx, cfg, workspaceID, actorID)
	if err != nil {
		return false, err
	}
	return Allows(perms, perm), nil
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, cfg *config.Config, workspaceID, actorID, perm string) error {
	ok, err := s.Can(ctx, cfg, workspaceID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Allows reports whether granted covers perm. "*" grants everything and
// "signal.*" grants every permission under signal.
func Allows(granted []string, perm string) bool {
	for _, g := range granted {
		if g == "*" || g == perm {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(perm, prefix) {
			return true
		}
	}
	return false
}
