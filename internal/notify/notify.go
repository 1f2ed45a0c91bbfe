// Package notify records automation notifications. Delivery to people or
// external systems happens downstream from the notification event.
package notify

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

const (
	KindSuggestion        = "automation.suggestion"
	KindInitiativeCreated = "automation.initiative_created"
	KindPRDTriggered      = "automation.prd_triggered"
)

type Message struct {
	WorkspaceID string
	ClusterID   string
	Kind        string
	Title       string
	Body        string
	Payload     map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, m Message) (domain.Notification, error)
}

// Store persists notifications and emits an automation.notified event.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewStore(db *sql.DB, now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return Store{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{Now: now}, Now: now}
}

func (s Store) Notify(ctx context.Context, m Message) (domain.Notification, error) {
	n := domain.Notification{
		ID:          uuid.NewString(),
		WorkspaceID: m.WorkspaceID,
		ClusterID:   m.ClusterID,
		Kind:        m.Kind,
		Title:       m.Title,
		Message:     m.Body,
		Payload:     m.Payload,
		CreatedAt:   repo.Timestamp(s.Now()),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertNotification(ctx, tx, n); err != nil {
		return n, fmt.Errorf("insert notification: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.AutomationNotified, n.WorkspaceID, "notification", n.ID, domain.AutomationActorID, events.Payload{
		"kind": n.Kind, "cluster_id": n.ClusterID, "title": n.Title, "message": n.Message,
	}); err != nil {
		return n, err
	}
	return n, tx.Commit()
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(_ context.Context, m Message) (domain.Notification, error) {
	return domain.Notification{WorkspaceID: m.WorkspaceID, ClusterID: m.ClusterID, Kind: m.Kind, Title: m.Title, Message: m.Body}, nil
}
