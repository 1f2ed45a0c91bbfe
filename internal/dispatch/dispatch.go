// Package dispatch executes automation actions. Each action writes its own
// automation_actions audit row inside the transaction that performs it, so a
// concurrent duplicate surfaces as repo.ErrDuplicate and changes nothing.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/jobs"
	"stageline/internal/ratelimit"
	"stageline/internal/repo"
	"stageline/internal/transition"
)

type Dispatcher struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Transitions transition.Transitioner
	Jobs        jobs.Queue
	Limiter     ratelimit.Limiter
	Now         func() time.Time
}

func New(db *sql.DB, t transition.Transitioner, now func() time.Time) Dispatcher {
	if now == nil {
		now = time.Now
	}
	return Dispatcher{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{Now: now},
		Transitions: t,
		Jobs:        jobs.New(db, now),
		Limiter:     ratelimit.Limiter{Repo: repo.Repo{DB: db}, Now: now},
		Now:         now,
	}
}

func clusterMetadata(c domain.SignalCluster) map[string]any {
	return map[string]any{
		"theme":        c.Theme,
		"member_count": c.MemberCount(),
		"confidence":   c.Confidence,
		"severity":     string(c.Severity),
	}
}

// record writes the audit row through the rate limiter inside tx, so the
// row commits or rolls back with the action.
func (d Dispatcher) record(ctx context.Context, tx *sql.Tx, c domain.SignalCluster, action domain.ActionType, workItemID string, meta map[string]any) (domain.AutomationActionRecord, error) {
	rec := d.Limiter.Entry(c.WorkspaceID, c.ID, action, workItemID, meta)
	if err := d.Limiter.Record(ctx, tx, rec); err != nil {
		return rec, err
	}
	err := d.Events.Append(ctx, tx, events.ActionRecorded, c.WorkspaceID, "automation_action", rec.ID, domain.AutomationActorID, events.Payload{
		"cluster_id": c.ID, "action_type": action, "work_item_id": workItemID,
	})
	return rec, err
}

// CreateWorkItem creates a work item at the initial stage from the cluster,
// links and flips every member signal, and records initiative_created.
func (d Dispatcher) CreateWorkItem(ctx context.Context, c domain.SignalCluster) (domain.WorkItem, domain.AutomationActionRecord, error) {
	ts := repo.Timestamp(d.Now())
	item := domain.WorkItem{
		ID:          uuid.NewString(),
		WorkspaceID: c.WorkspaceID,
		Name:        c.Theme,
		Description: fmt.Sprintf("Created from %d related signals (confidence %.2f, severity %s).", c.MemberCount(), c.Confidence, c.Severity),
		Stage:       domain.InitialStage,
		Status:      domain.WorkItemActive,
		Metadata:    map[string]any{"source_cluster_id": c.ID, "auto_created": true},
		CreatedBy:   domain.AutomationActorID,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, domain.AutomationActionRecord{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, domain.AutomationActionRecord{}, fmt.Errorf("insert work item: %w", err)
	}
	reason := fmt.Sprintf("auto-linked from cluster %q", c.Theme)
	for _, sid := range c.MemberIDs {
		if err := d.Repo.LinkSignalTx(ctx, tx, domain.SignalLink{SignalID: sid, WorkItemID: item.ID, Reason: reason, LinkedBy: domain.AutomationActorID, CreatedAt: ts}); err != nil {
			return domain.WorkItem{}, domain.AutomationActionRecord{}, fmt.Errorf("link signal %s: %w", sid, err)
		}
	}
	if err := d.Events.Append(ctx, tx, events.WorkItemCreated, item.WorkspaceID, "work_item", item.ID, domain.AutomationActorID, events.Payload{
		"name": item.Name, "stage": item.Stage, "cluster_id": c.ID, "linked_signals": c.MemberIDs,
	}); err != nil {
		return domain.WorkItem{}, domain.AutomationActionRecord{}, err
	}
	rec, err := d.record(ctx, tx, c, domain.ActionInitiativeCreated, item.ID, clusterMetadata(c))
	if err != nil {
		return domain.WorkItem{}, domain.AutomationActionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, domain.AutomationActionRecord{}, err
	}
	return item, rec, nil
}

// TriggerDocumentGeneration moves the work item to discovery as the automation
// actor, then enqueues an auto-triggered generation job and records prd_triggered.
// An item already in discovery satisfies the precondition.
func (d Dispatcher) TriggerDocumentGeneration(ctx context.Context, c domain.SignalCluster, workItemID string) (domain.Job, domain.AutomationActionRecord, error) {
	_, err := d.Transitions.Transition(ctx, transition.Request{
		WorkItemID: workItemID,
		ToStage:    domain.StageDiscovery,
		ActorID:    domain.AutomationActorID,
		ActorKind:  domain.ActorAutomation,
		Reason:     fmt.Sprintf("cluster %s crossed the document generation threshold", c.ID),
	})
	if err != nil && !errors.Is(err, transition.ErrSameStage) {
		return domain.Job{}, domain.AutomationActionRecord{}, fmt.Errorf("move to discovery: %w", err)
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.AutomationActionRecord{}, err
	}
	defer tx.Rollback()
	job, err := d.Jobs.EnqueueTx(ctx, tx, jobs.Spec{
		WorkspaceID:   c.WorkspaceID,
		WorkItemID:    workItemID,
		Type:          domain.JobGeneratePRD,
		Input:         map[string]any{"cluster_id": c.ID, "theme": c.Theme, "signal_ids": c.MemberIDs},
		AutoTriggered: true,
	})
	if err != nil {
		return domain.Job{}, domain.AutomationActionRecord{}, err
	}
	meta := clusterMetadata(c)
	meta["job_id"] = job.ID
	rec, err := d.record(ctx, tx, c, domain.ActionPRDTriggered, workItemID, meta)
	if err != nil {
		return domain.Job{}, domain.AutomationActionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, domain.AutomationActionRecord{}, err
	}
	return job, rec, nil
}
