package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/auth"
	"stageline/internal/automation"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func signalInWorkspace(ctx context.Context, e engine.Engine, workspaceID, id string) (domain.EvidenceSignal, error) {
	s, err := e.GetSignal(ctx, id)
	if err != nil {
		return s, err
	}
	if s.WorkspaceID != workspaceID {
		return domain.EvidenceSignal{}, repo.ErrNotFound
	}
	return s, nil
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-signal",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/signals",
		Summary:       "Ingest an evidence signal",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		Body        IngestSignalRequest `json:"body"`
	}) (*bodyOutput[domain.EvidenceSignal], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalCreate); err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		s, err := e.IngestSignal(ctx, engine.SignalInput{
			WorkspaceID: input.WorkspaceID,
			Text:        input.Body.Text,
			Embedding:   input.Body.Embedding,
			Severity:    input.Body.Severity,
			Source:      input.Body.Source,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/signals",
		Summary:     "List signals",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string   `path:"workspace_id"`
		Status      []string `query:"status"`
		Limit       int      `query:"limit"`
	}) (*bodyOutput[[]domain.EvidenceSignal], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.SignalFilters{WorkspaceID: input.WorkspaceID, Limit: normalizeLimit(input.Limit)}
		for _, raw := range input.Status {
			st, err := domain.ParseSignalStatus(raw)
			if err != nil {
				return nil, handleError(err)
			}
			f.Statuses = append(f.Statuses, st)
		}
		signals, err := e.ListSignals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(signals)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/signals/{signal_id}",
		Summary:     "Get signal",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		SignalID    string `path:"signal_id"`
	}) (*bodyOutput[domain.EvidenceSignal], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalRead); err != nil {
			return nil, handleError(err)
		}
		s, err := signalInWorkspace(ctx, e, input.WorkspaceID, input.SignalID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-signal-status",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/signals/{signal_id}",
		Summary:     "Review or archive a signal",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                 `path:"workspace_id"`
		SignalID    string                 `path:"signal_id"`
		Body        SetSignalStatusRequest `json:"body"`
	}) (*bodyOutput[domain.EvidenceSignal], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalWrite); err != nil {
			return nil, handleError(err)
		}
		if _, err := signalInWorkspace(ctx, e, input.WorkspaceID, input.SignalID); err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		s, err := e.SetSignalStatus(ctx, input.SignalID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-signal",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/signals/{signal_id}/links",
		Summary:       "Link a signal to a work item as evidence",
		DefaultStatus: http.StatusCreated,
		Errors:        append(commonErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		SignalID    string            `path:"signal_id"`
		Body        LinkSignalRequest `json:"body"`
	}) (*bodyOutput[domain.SignalLink], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalWrite); err != nil {
			return nil, handleError(err)
		}
		if _, err := signalInWorkspace(ctx, e, input.WorkspaceID, input.SignalID); err != nil {
			return nil, handleError(err)
		}
		if _, err := itemInWorkspace(ctx, e, input.WorkspaceID, input.Body.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		link, err := e.LinkSignal(ctx, input.SignalID, input.Body.WorkItemID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(link), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clusters",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/clusters",
		Summary:     "Cluster the workspace's new signals",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[[]domain.SignalCluster], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermSignalRead); err != nil {
			return nil, handleError(err)
		}
		clusters, err := e.Clusters(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(clusters)), nil
	})
}

func registerAutomation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-automation-settings",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/automation/settings",
		Summary:     "Get automation settings",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[domain.AutomationSettings], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermAutomationRead); err != nil {
			return nil, handleError(err)
		}
		s, err := e.AutomationSettings(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-automation-settings",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/automation/settings",
		Summary:     "Update automation settings",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                          `path:"workspace_id"`
		Body        UpdateAutomationSettingsRequest `json:"body"`
	}) (*bodyOutput[domain.AutomationSettings], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermAutomationWrite); err != nil {
			return nil, handleError(err)
		}
		current, err := e.AutomationSettings(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		actor, _ := actorIDFromContext(ctx)
		s, err := e.UpdateAutomationSettings(ctx, input.Body.apply(current), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-automation",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/automation/evaluate",
		Summary:     "Run one automation evaluation for the workspace",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*bodyOutput[automation.Result], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermAutomationWrite); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.EvaluateAutomation(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		res.ActionsTriggered = nonNilSlice(res.ActionsTriggered)
		res.Skipped = nonNilSlice(res.Skipped)
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-automation-actions",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/automation/actions",
		Summary:     "Automation audit trail",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Limit       int    `query:"limit"`
	}) (*bodyOutput[[]domain.AutomationActionRecord], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermAutomationRead); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.ListAutomationActions(ctx, input.WorkspaceID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/notifications",
		Summary:     "List notifications",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Limit       int    `query:"limit"`
	}) (*bodyOutput[[]domain.Notification], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermAutomationRead); err != nil {
			return nil, handleError(err)
		}
		ns, err := e.ListNotifications(ctx, input.WorkspaceID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(ns)), nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/jobs",
		Summary:     "List jobs",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		WorkItemID  string `query:"work_item_id"`
		Status      string `query:"status"`
		Type        string `query:"type"`
		Limit       int    `query:"limit"`
	}) (*bodyOutput[[]domain.Job], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermWorkItemRead); err != nil {
			return nil, handleError(err)
		}
		js, err := e.ListJobs(ctx, repo.JobFilters{
			WorkspaceID: input.WorkspaceID,
			WorkItemID:  input.WorkItemID,
			Status:      input.Status,
			Type:        input.Type,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(js)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-job-status",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/jobs/{job_id}",
		Summary:     "Update job status",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		JobID       string              `path:"job_id"`
		Body        SetJobStatusRequest `json:"body"`
	}) (*bodyOutput[domain.Job], error) {
		if err := requirePermission(ctx, e, input.WorkspaceID, auth.PermJobWrite); err != nil {
			return nil, handleError(err)
		}
		job, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if job.WorkspaceID != input.WorkspaceID {
			return nil, handleError(repo.ErrNotFound)
		}
		actor, _ := actorIDFromContext(ctx)
		job, err = e.SetJobStatus(ctx, input.JobID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(job), nil
	})
}
