package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/auth"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[WhoAmIResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		return respond(WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
		}), nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID:   "dev-login",
		Method:        http.MethodPost,
		Path:          "/auth/dev/login",
		Summary:       "Mint a development token",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if cfg.JWTSecret == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		token, err := signDevToken(cfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        append(commonErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*bodyOutput[domain.Workspace], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkspaceCreateOptions{
			ID:      strings.TrimSpace(input.Body.ID),
			Name:    input.Body.Name,
			ActorID: actor,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		ws, err := e.CreateWorkspace(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces the caller can read",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.Workspace], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		all, err := e.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []domain.Workspace{}
		for _, ws := range all {
			if requirePermission(ctx, e, ws.ID, auth.PermWorkItemRead) == nil {
				out = append(out, ws)
			}
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[domain.Workspace], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkItemRead); err != nil {
			return nil, handleError(err)
		}
		ws, err := e.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace-config",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/config",
		Summary:     "Get workspace config",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[*config.Config], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkspaceAdmin); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.ConfigFor(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(cfg), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-workspace-config",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/config",
		Summary:     "Replace workspace config",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string        `path:"workspace_id"`
		Body        config.Config `json:"body"`
	}) (*bodyOutput[*config.Config], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkspaceAdmin); err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		cfg := input.Body
		if cfg.Workspace.ID == "" {
			cfg.Workspace.ID = input.WorkspaceID
		}
		if cfg.Workspace.ID != input.WorkspaceID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config workspace id does not match path", nil)
		}
		if err := cfg.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := e.ImportConfig(ctx, input.WorkspaceID, &cfg, actor); err != nil {
			return nil, handleError(err)
		}
		return respond(&cfg), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-permissions",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/me/permissions",
		Summary:     "Permissions granted to the caller in a workspace",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.ConfigFor(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth().Permissions(ctx, cfg, input.WorkspaceID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.WorkspaceID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/rbac/roles/grant",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkspaceAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		by, _ := actorIDFromContext(ctx)
		if err := e.GrantRole(ctx, input.WorkspaceID, input.Body.ActorID, input.Body.RoleID, by); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List events, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkItemRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilters{
			WorkspaceID: input.WorkspaceID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			Limit:       limit,
		}
		if input.Cursor != "" {
			before, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || before <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.Before = before
		}
		evs, err := e.ListEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: make([]EventResponse, 0, len(evs))}
		for _, ev := range evs {
			out.Items = append(out.Items, eventResponse(ev))
		}
		if len(evs) == limit {
			out.NextCursor = strconv.FormatInt(evs[len(evs)-1].ID, 10)
		}
		return respond(out), nil
	})
}
