package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/gate"
	"stageline/internal/repo"
	"stageline/internal/transition"
)

type WorkItemCreateOptions struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	Metadata    map[string]any
	ActorID     string
}

// CreateWorkItem creates a work item at the initial stage.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.WorkItem{}, errors.New("name is required")
	}
	if opts.WorkspaceID == "" {
		return domain.WorkItem{}, errors.New("workspace is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.WorkItem{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	item := domain.WorkItem{
		ID:          id,
		WorkspaceID: opts.WorkspaceID,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		Stage:       domain.InitialStage,
		Status:      domain.WorkItemActive,
		Metadata:    opts.Metadata,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkItemCreated, item.WorkspaceID, "work_item", item.ID, opts.ActorID, events.Payload{
		"name": item.Name, "stage": item.Stage,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, nil, id)
}

func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, f)
}

// ArchiveWorkItem flips the status only; work items are never deleted.
func (e Engine) ArchiveWorkItem(ctx context.Context, id, actorID string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, nil, id)
	if err != nil {
		return item, err
	}
	if item.Status == domain.WorkItemArchived {
		return item, nil
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItemStatusTx(ctx, tx, id, domain.WorkItemArchived, now); err != nil {
		return item, err
	}
	if err := e.events().Append(ctx, tx, events.WorkItemArchived, item.WorkspaceID, "work_item", id, actorID, events.Payload{"from": item.Status}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	item.Status = domain.WorkItemArchived
	item.UpdatedAt = now
	return item, nil
}

// SetMetrics replaces the current release metrics snapshot in the item metadata.
func (e Engine) SetMetrics(ctx context.Context, id string, metrics map[string]float64, actorID string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, nil, id)
	if err != nil {
		return item, err
	}
	meta := map[string]any{}
	for k, v := range item.Metadata {
		meta[k] = v
	}
	release, _ := meta["release_metrics"].(map[string]any)
	if release == nil {
		release = map[string]any{}
	}
	current := make(map[string]any, len(metrics))
	for k, v := range metrics {
		current[k] = v
	}
	release["current"] = current
	meta["release_metrics"] = release
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItemMetadataTx(ctx, tx, id, meta, now); err != nil {
		return item, err
	}
	if err := e.events().Append(ctx, tx, events.WorkItemMetricsSet, item.WorkspaceID, "work_item", id, actorID, events.Payload{"metrics": metrics}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	item.Metadata = meta
	item.UpdatedAt = now
	return item, nil
}

func (e Engine) Transitioner() transition.Transitioner {
	return transition.New(e.DB, e.now, e.log())
}

// Transition moves a work item through the policy pipeline. An empty actor
// kind means a user.
func (e Engine) Transition(ctx context.Context, req transition.Request) (transition.Result, error) {
	if req.ActorKind == "" {
		req.ActorKind = domain.ActorUser
	}
	return e.Transitioner().Transition(ctx, req)
}

// ValidateTransition reports whether workItemID may move to target. It writes
// nothing and ignores the loop guard, which only applies to automation.
func (e Engine) ValidateTransition(ctx context.Context, workItemID string, target domain.Stage, opts transition.Options) (transition.Decision, error) {
	return e.Transitioner().Validator.ValidateTransition(ctx, workItemID, target, opts)
}

func (e Engine) CheckCriteria(ctx context.Context, workItemID string) (criteria.Result, error) {
	return criteria.Checker{Repo: e.Repo}.CheckCriteria(ctx, workItemID)
}

// EvaluateStageGates runs the gates of the item's current stage against its
// persisted evidence, overlaid with the files under dir when dir is set.
func (e Engine) EvaluateStageGates(ctx context.Context, workItemID, dir string) (gate.Report, error) {
	item, err := e.Repo.GetWorkItem(ctx, nil, workItemID)
	if err != nil {
		return gate.Report{}, err
	}
	gctx, err := gate.ForWorkItem(ctx, e.Repo, item)
	if err != nil {
		return gate.Report{}, fmt.Errorf("load gate context: %w", err)
	}
	if dir != "" {
		files, err := gate.FromDirectory(dir)
		if err != nil {
			return gate.Report{}, fmt.Errorf("read %s: %w", dir, err)
		}
		gctx = gctx.Merge(files)
	}
	defs, err := e.Repo.ListGateDefinitions(ctx, item.WorkspaceID, item.Stage)
	if err != nil {
		return gate.Report{}, err
	}
	return gate.EvaluateAll(item.Stage, defs, gctx), nil
}

func (e Engine) ListTransitions(ctx context.Context, workItemID string) ([]domain.StageTransitionEvent, error) {
	return e.Repo.ListStageTransitions(ctx, workItemID)
}
