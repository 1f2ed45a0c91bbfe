package automation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// ValidateSettings rejects settings the engine cannot act on.
func ValidateSettings(s domain.AutomationSettings) error {
	if s.Depth.Level() < 0 {
		return fmt.Errorf("invalid automation depth %q", s.Depth)
	}
	if s.InitiativeThreshold < 1 {
		return fmt.Errorf("initiative_threshold must be >= 1")
	}
	if s.DocThreshold < 1 {
		return fmt.Errorf("doc_threshold must be >= 1")
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1]")
	}
	if s.MinSeverity != "" && s.MinSeverity.Rank() == 0 {
		return fmt.Errorf("invalid min_severity %q", s.MinSeverity)
	}
	if s.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0")
	}
	if s.MaxActionsPerDay < 0 {
		return fmt.Errorf("max_actions_per_day must be >= 0")
	}
	return nil
}

// SaveSettings validates and stores settings with an audit event.
func SaveSettings(ctx context.Context, db *sql.DB, now func() time.Time, s domain.AutomationSettings, actorID string) (domain.AutomationSettings, error) {
	if err := ValidateSettings(s); err != nil {
		return s, err
	}
	if now == nil {
		now = time.Now
	}
	s.UpdatedAt = repo.Timestamp(now())
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	r := repo.Repo{DB: db}
	if err := r.UpsertAutomationSettings(ctx, tx, s); err != nil {
		return s, err
	}
	if err := (events.Writer{Now: now}).Append(ctx, tx, events.SettingsUpdated, s.WorkspaceID, "automation_settings", s.WorkspaceID, actorID, events.Payload{
		"depth":                s.Depth,
		"initiative_threshold": s.InitiativeThreshold,
		"doc_threshold":        s.DocThreshold,
		"min_confidence":       s.MinConfidence,
		"min_severity":         s.MinSeverity,
		"cooldown_minutes":     s.CooldownMinutes,
		"max_actions_per_day":  s.MaxActionsPerDay,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}
