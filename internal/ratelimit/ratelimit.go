// Package ratelimit enforces automation cooldowns and daily caps from the
// automation_actions audit log. Nothing is cached between calls.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const (
	ReasonCooldown   = "cooldown"
	ReasonDailyLimit = "daily_limit"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type Limiter struct {
	Repo repo.Repo
	Now  func() time.Time
	// Location defines "midnight" for the daily cap; nil means time.Local.
	Location *time.Location
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// StartOfDay returns local midnight for t.
func (l Limiter) StartOfDay(t time.Time) time.Time {
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// CanAct runs the cooldown and daily-cap checks against fresh counts.
func (l Limiter) CanAct(ctx context.Context, workspaceID, clusterID string, s domain.AutomationSettings) (Decision, error) {
	now := l.now()
	if s.CooldownMinutes > 0 {
		since := repo.Timestamp(now.Add(-time.Duration(s.CooldownMinutes) * time.Minute))
		n, err := l.Repo.CountClusterActionsSince(ctx, workspaceID, clusterID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("cooldown count: %w", err)
		}
		if n > 0 {
			return Decision{Reason: ReasonCooldown, Message: fmt.Sprintf("cluster acted on within the last %d minutes", s.CooldownMinutes)}, nil
		}
	}
	n, err := l.Repo.CountWorkspaceActionsSince(ctx, workspaceID, repo.Timestamp(l.StartOfDay(now)))
	if err != nil {
		return Decision{}, fmt.Errorf("daily count: %w", err)
	}
	if n >= s.MaxActionsPerDay {
		return Decision{Reason: ReasonDailyLimit, Message: fmt.Sprintf("%d of %d automated actions used today", n, s.MaxActionsPerDay)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Entry builds an audit row stamped with the limiter's clock.
func (l Limiter) Entry(workspaceID, clusterID string, action domain.ActionType, workItemID string, metadata map[string]any) domain.AutomationActionRecord {
	return domain.AutomationActionRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ClusterID:   clusterID,
		ActionType:  action,
		WorkItemID:  workItemID,
		Metadata:    metadata,
		CreatedAt:   repo.Timestamp(l.now()),
	}
}

// Record appends an audit row; pass the dispatch transaction so the row
// commits with the action it describes. A duplicate yields repo.ErrDuplicate.
func (l Limiter) Record(ctx context.Context, tx *sql.Tx, rec domain.AutomationActionRecord) error {
	return l.Repo.InsertAutomationAction(ctx, tx, rec)
}
