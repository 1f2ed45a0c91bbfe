package transition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/jobs"
	"stageline/internal/repo"
)

var ErrSameStage = errors.New("work item already at target stage")

const (
	CodeCriteriaUnmet = "criteria_unmet"
	CodeLoopDetected  = "loop_detected"
)

// BlockedError is returned when policy refuses a transition.
type BlockedError struct {
	Code     string
	Decision Decision
}

func (e *BlockedError) Error() string {
	return "transition blocked: " + e.Decision.Reason
}

type Request struct {
	WorkItemID    string
	ToStage       domain.Stage
	ActorID       string
	ActorKind     domain.ActorKind
	Reason        string
	ForceOverride bool
}

type Result struct {
	WorkItem domain.WorkItem             `json:"work_item"`
	Event    domain.StageTransitionEvent `json:"transition"`
	Decision Decision                    `json:"decision"`
	Jobs     []domain.Job                `json:"jobs,omitempty"`
}

// Transitioner is the only writer of work_items.stage.
type Transitioner struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Validator Validator
	Guard     LoopGuard
	Jobs      jobs.Queue
	Now       func() time.Time
	Log       *zap.Logger
}

func New(db *sql.DB, now func() time.Time, log *zap.Logger) Transitioner {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Transitioner{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{Now: now},
		Validator: Validator{Checker: criteria.Checker{Repo: r}},
		Guard:     LoopGuard{Repo: r, Now: now},
		Jobs:      jobs.New(db, now),
		Now:       now,
		Log:       log,
	}
}

// Transition runs the loop guard (automation actors only), the validator, and
// then moves the stage, writes the audit row and event, and enqueues the
// target stage's automation triggers, all in one transaction.
func (t Transitioner) Transition(ctx context.Context, req Request) (Result, error) {
	if req.ActorKind == "" {
		req.ActorKind = domain.ActorUser
	}
	item, err := t.Repo.GetWorkItem(ctx, nil, req.WorkItemID)
	if err != nil {
		return Result{}, err
	}
	if !req.ToStage.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownStage, req.ToStage)
	}
	if item.Stage == req.ToStage {
		return Result{}, ErrSameStage
	}
	if req.ActorKind == domain.ActorAutomation {
		loop, n, window, err := t.Guard.IsLoop(ctx, item.ID, req.ToStage)
		if err != nil {
			return Result{}, fmt.Errorf("loop guard: %w", err)
		}
		if loop {
			t.Log.Warn("automation loop blocked",
				zap.String("work_item_id", item.ID), zap.String("to_stage", string(req.ToStage)), zap.Int("recent", n))
			return Result{}, &BlockedError{Code: CodeLoopDetected, Decision: Decision{
				Reason: fmt.Sprintf("%d automation transitions to %s within %s", n, req.ToStage, window),
			}}
		}
	}
	dec, err := t.Validator.ValidateItem(ctx, item, req.ToStage, Options{ForceOverride: req.ForceOverride})
	if err != nil {
		return Result{}, err
	}
	if !dec.Allowed {
		return Result{Decision: dec}, &BlockedError{Code: CodeCriteriaUnmet, Decision: dec}
	}

	def, err := t.Repo.GetStageDefinition(ctx, nil, item.WorkspaceID, req.ToStage)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Result{}, fmt.Errorf("load target stage: %w", err)
	}

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	ts := repo.Timestamp(t.Now())
	if err := t.Repo.UpdateWorkItemStageTx(ctx, tx, item.ID, item.Stage, req.ToStage, ts); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("work item %s moved concurrently: %w", item.ID, ErrSameStage)
		}
		return Result{}, err
	}
	var queued []domain.Job
	var jobIDs []string
	for _, trigger := range def.AutomationTriggers {
		job, err := t.Jobs.EnqueueTx(ctx, tx, jobs.Spec{
			WorkspaceID:   item.WorkspaceID,
			WorkItemID:    item.ID,
			Type:          trigger,
			Input:         map[string]any{"from_stage": string(item.Stage), "to_stage": string(req.ToStage)},
			AutoTriggered: true,
			ActorID:       req.ActorID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("enqueue %s: %w", trigger, err)
		}
		queued = append(queued, job)
		jobIDs = append(jobIDs, job.ID)
	}
	ev := domain.StageTransitionEvent{
		ID:          uuid.NewString(),
		WorkspaceID: item.WorkspaceID,
		WorkItemID:  item.ID,
		FromStage:   item.Stage,
		ToStage:     req.ToStage,
		ActorID:     req.ActorID,
		ActorKind:   req.ActorKind,
		Reason:      req.Reason,
		Forced:      dec.Overridden,
		JobIDs:      jobIDs,
		CreatedAt:   ts,
	}
	if err := t.Repo.InsertStageTransitionTx(ctx, tx, ev); err != nil {
		return Result{}, err
	}
	if err := t.Events.Append(ctx, tx, events.StageTransitioned, item.WorkspaceID, "work_item", item.ID, req.ActorID, events.Payload{
		"from":       item.Stage,
		"to":         req.ToStage,
		"actor_kind": req.ActorKind,
		"forced":     dec.Overridden,
		"job_ids":    jobIDs,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	item.Stage = req.ToStage
	item.UpdatedAt = ts
	return Result{WorkItem: item, Event: ev, Decision: dec, Jobs: queued}, nil
}
