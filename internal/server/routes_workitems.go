package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/auth"
	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/gate"
	"stageline/internal/repo"
	"stageline/internal/transition"
)

type workItemPath struct {
	WorkspaceID string `path:"workspace_id"`
	WorkItemID  string `path:"work_item_id"`
}

const workItemRoute = "/workspaces/{workspace_id}/work-items/{work_item_id}"

// authorizeItem checks perm and loads the path's work item.
func authorizeItem(ctx context.Context, e engine.Engine, p workItemPath, perm string) (domain.WorkItem, error) {
	if err := requirePermission(ctx, e, p.WorkspaceID, perm); err != nil {
		return domain.WorkItem{}, handleError(err)
	}
	item, err := itemInWorkspace(ctx, e, p.WorkspaceID, p.WorkItemID)
	if err != nil {
		return domain.WorkItem{}, handleError(err)
	}
	return item, nil
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        append(commonErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                `path:"workspace_id"`
		Body        CreateWorkItemRequest `json:"body"`
	}) (*bodyOutput[domain.WorkItem], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkItemCreate); err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		opts := engine.WorkItemCreateOptions{
			WorkspaceID: input.WorkspaceID,
			Name:        input.Body.Name,
			Metadata:    input.Body.Metadata,
			ActorID:     actor,
		}
		if input.Body.ID != nil {
			opts.ID = strings.TrimSpace(*input.Body.ID)
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		item, err := e.CreateWorkItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/work-items",
		Summary:     "List work items",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Stage       string `query:"stage"`
		Status      string `query:"status"`
		Limit       int    `query:"limit"`
	}) (*bodyOutput[[]domain.WorkItem], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkItemRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.WorkItemFilters{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		}
		if input.Stage != "" {
			st, err := domain.ParseStage(input.Stage)
			if err != nil {
				return nil, handleError(err)
			}
			f.Stage = string(st)
		}
		items, err := e.ListWorkItems(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        workItemRoute,
		Summary:     "Get work item",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[domain.WorkItem], error) {
		item, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead)
		if err != nil {
			return nil, err
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-work-item",
		Method:      http.MethodPost,
		Path:        workItemRoute + "/archive",
		Summary:     "Archive work item",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[domain.WorkItem], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemCreate); err != nil {
			return nil, err
		}
		actor, _ := actorIDFromContext(ctx)
		item, err := e.ArchiveWorkItem(ctx, input.WorkItemID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-item-metrics",
		Method:      http.MethodPut,
		Path:        workItemRoute + "/metrics",
		Summary:     "Record current release metrics",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		WorkItemID  string            `path:"work_item_id"`
		Body        SetMetricsRequest `json:"body"`
	}) (*bodyOutput[domain.WorkItem], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermEvidenceWrite); err != nil {
			return nil, err
		}
		actor, _ := actorIDFromContext(ctx)
		item, err := e.SetMetrics(ctx, input.WorkItemID, input.Body.Metrics, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-document",
		Method:        http.MethodPost,
		Path:          workItemRoute + "/documents",
		Summary:       "Attach a document",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string             `path:"workspace_id"`
		WorkItemID  string             `path:"work_item_id"`
		Body        AddDocumentRequest `json:"body"`
	}) (*bodyOutput[domain.Document], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermEvidenceWrite); err != nil {
			return nil, err
		}
		actor, _ := actorIDFromContext(ctx)
		doc, err := e.AddDocument(ctx, domain.Document{
			WorkItemID: input.WorkItemID,
			Type:       input.Body.Type,
			Title:      input.Body.Title,
			Content:    input.Body.Content,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(doc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        workItemRoute + "/documents",
		Summary:     "List documents",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[[]domain.Document], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		docs, err := e.ListDocuments(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(docs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-prototype",
		Method:        http.MethodPost,
		Path:          workItemRoute + "/prototypes",
		Summary:       "Attach a prototype",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		WorkItemID  string              `path:"work_item_id"`
		Body        AddPrototypeRequest `json:"body"`
	}) (*bodyOutput[domain.Prototype], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermEvidenceWrite); err != nil {
			return nil, err
		}
		actor, _ := actorIDFromContext(ctx)
		proto, err := e.AddPrototype(ctx, domain.Prototype{
			WorkItemID: input.WorkItemID,
			Type:       input.Body.Type,
			URL:        input.Body.URL,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(proto), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-artifact",
		Method:        http.MethodPost,
		Path:          workItemRoute + "/artifacts",
		Summary:       "Attach a stage artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string             `path:"workspace_id"`
		WorkItemID  string             `path:"work_item_id"`
		Body        AddArtifactRequest `json:"body"`
	}) (*bodyOutput[domain.Artifact], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermEvidenceWrite); err != nil {
			return nil, err
		}
		a := domain.Artifact{
			WorkItemID: input.WorkItemID,
			Type:       input.Body.Type,
			Label:      input.Body.Label,
			Path:       input.Body.Path,
		}
		if input.Body.Stage != "" {
			st, err := domain.ParseStage(input.Body.Stage)
			if err != nil {
				return nil, handleError(err)
			}
			a.Stage = st
		}
		actor, _ := actorIDFromContext(ctx)
		a, err := e.AddArtifact(ctx, a, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-jury",
		Method:        http.MethodPost,
		Path:          workItemRoute + "/jury",
		Summary:       "Record a jury evaluation",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		WorkItemID  string            `path:"work_item_id"`
		Body        RecordJuryRequest `json:"body"`
	}) (*bodyOutput[domain.JuryEvaluation], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermEvidenceWrite); err != nil {
			return nil, err
		}
		actor, _ := actorIDFromContext(ctx)
		ev, err := e.RecordJury(ctx, engine.JuryInput{
			WorkItemID: input.WorkItemID,
			Approvals:  input.Body.Approvals,
			Total:      input.Body.Total,
			Verdict:    input.Body.Verdict,
			Concerns:   input.Body.Concerns,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ev), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jury",
		Method:      http.MethodGet,
		Path:        workItemRoute + "/jury",
		Summary:     "List jury evaluations",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[[]domain.JuryEvaluation], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		evals, err := e.ListJuryEvaluations(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(evals)), nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-criteria",
		Method:      http.MethodGet,
		Path:        workItemRoute + "/criteria",
		Summary:     "Check graduation criteria for the current stage",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[criteria.Result], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		res, err := e.CheckCriteria(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gates",
		Method:      http.MethodGet,
		Path:        workItemRoute + "/gates",
		Summary:     "Evaluate stage gates against stored evidence",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[gate.Report], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		rep, err := e.EvaluateStageGates(ctx, input.WorkItemID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-work-item",
		Method:      http.MethodPost,
		Path:        workItemRoute + "/transition",
		Summary:     "Move a work item to another stage",
		Errors:      append(commonErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		WorkItemID  string            `path:"work_item_id"`
		Body        TransitionRequest `json:"body"`
	}) (*bodyOutput[transition.Result], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermWorkItemTransition); err != nil {
			return nil, err
		}
		if input.Body.ForceOverride {
			if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermTransitionOverride); err != nil {
				return nil, handleError(err)
			}
		}
		to, err := domain.ParseStage(input.Body.ToStage)
		if err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		res, err := e.Transition(ctx, transition.Request{
			WorkItemID:    input.WorkItemID,
			ToStage:       to,
			ActorID:       actor,
			ActorKind:     domain.ActorUser,
			Reason:        input.Body.Reason,
			ForceOverride: input.Body.ForceOverride,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        workItemRoute + "/transition/validate",
		Summary:     "Dry-run a stage transition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		WorkItemID  string            `path:"work_item_id"`
		Body        TransitionRequest `json:"body"`
	}) (*bodyOutput[transition.Decision], error) {
		p := workItemPath{WorkspaceID: input.WorkspaceID, WorkItemID: input.WorkItemID}
		if _, err := authorizeItem(ctx, e, p, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		if input.Body.ForceOverride {
			if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermTransitionOverride); err != nil {
				return nil, handleError(err)
			}
		}
		to, err := domain.ParseStage(input.Body.ToStage)
		if err != nil {
			return nil, handleError(err)
		}
		dec, err := e.ValidateTransition(ctx, input.WorkItemID, to, transition.Options{ForceOverride: input.Body.ForceOverride})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(dec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        workItemRoute + "/transitions",
		Summary:     "Stage transition history",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *workItemPath) (*bodyOutput[[]domain.StageTransitionEvent], error) {
		if _, err := authorizeItem(ctx, e, *input, auth.PermWorkItemRead); err != nil {
			return nil, err
		}
		evs, err := e.ListTransitions(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(evs)), nil
	})
}
