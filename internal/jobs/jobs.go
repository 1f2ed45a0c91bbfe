// Package jobs is the enqueue side of the downstream job queue. Workers that
// execute jobs live outside this module and report back through SetStatus.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB, now func() time.Time) Queue {
	if now == nil {
		now = time.Now
	}
	return Queue{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{Now: now}, Now: now}
}

type Spec struct {
	WorkspaceID   string
	WorkItemID    string
	Type          string
	Input         map[string]any
	AutoTriggered bool
	ActorID       string
}

// EnqueueTx inserts a pending job inside tx.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, s Spec) (domain.Job, error) {
	if s.Type == "" {
		return domain.Job{}, fmt.Errorf("job type required")
	}
	ts := repo.Timestamp(q.Now())
	job := domain.Job{
		ID:            uuid.NewString(),
		WorkspaceID:   s.WorkspaceID,
		WorkItemID:    s.WorkItemID,
		Type:          s.Type,
		Status:        domain.JobPending,
		Input:         s.Input,
		AutoTriggered: s.AutoTriggered,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := q.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	actor := s.ActorID
	if actor == "" {
		actor = domain.AutomationActorID
	}
	if err := q.Events.Append(ctx, tx, events.JobEnqueued, s.WorkspaceID, "job", job.ID, actor, events.Payload{
		"type": job.Type, "work_item_id": job.WorkItemID, "auto_triggered": job.AutoTriggered,
	}); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (q Queue) Enqueue(ctx context.Context, s Spec) (domain.Job, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, err := q.EnqueueTx(ctx, tx, s)
	if err != nil {
		return domain.Job{}, err
	}
	return job, tx.Commit()
}

// SetStatus records progress reported by an external worker.
func (q Queue) SetStatus(ctx context.Context, id, status, actorID string) (domain.Job, error) {
	switch status {
	case domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
	default:
		return domain.Job{}, fmt.Errorf("invalid job status %q", status)
	}
	job, err := q.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	ts := repo.Timestamp(q.Now())
	if err := q.Repo.UpdateJobStatusTx(ctx, tx, id, status, ts); err != nil {
		return domain.Job{}, err
	}
	if err := q.Events.Append(ctx, tx, events.JobStatusChanged, job.WorkspaceID, "job", id, actorID, events.Payload{
		"from": job.Status, "to": status,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	job.Status = status
	job.UpdatedAt = ts
	return job, nil
}

func (q Queue) List(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return q.Repo.ListJobs(ctx, f)
}
