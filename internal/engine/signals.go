package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/cluster"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type SignalInput struct {
	WorkspaceID string
	Text        string
	Embedding   []float32
	Severity    string
	Source      string
}

// IngestSignal stores a new signal and then calls OnSignal so automation can
// evaluate the workspace without waiting for the next sweep.
func (e Engine) IngestSignal(ctx context.Context, in SignalInput, actorID string) (domain.EvidenceSignal, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.EvidenceSignal{}, errors.New("signal text is required")
	}
	sev := domain.SeverityMedium
	if in.Severity != "" {
		var err error
		if sev, err = domain.ParseSeverity(in.Severity); err != nil {
			return domain.EvidenceSignal{}, err
		}
	}
	if _, err := e.Repo.GetWorkspace(ctx, in.WorkspaceID); err != nil {
		return domain.EvidenceSignal{}, err
	}
	now := e.timestamp()
	s := domain.EvidenceSignal{
		ID:          uuid.NewString(),
		WorkspaceID: in.WorkspaceID,
		Text:        text,
		Embedding:   in.Embedding,
		Status:      domain.SignalNew,
		Severity:    sev,
		Source:      in.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSignal(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.events().Append(ctx, tx, events.SignalIngested, s.WorkspaceID, "signal", s.ID, actorID, events.Payload{
		"severity": s.Severity, "source": s.Source, "has_embedding": len(s.Embedding) > 0,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	if e.OnSignal != nil {
		e.OnSignal(s.WorkspaceID)
	}
	return s, nil
}

func (e Engine) GetSignal(ctx context.Context, id string) (domain.EvidenceSignal, error) {
	return e.Repo.GetSignal(ctx, nil, id)
}

func (e Engine) ListSignals(ctx context.Context, f repo.SignalFilters) ([]domain.EvidenceSignal, error) {
	return e.Repo.ListSignals(ctx, f)
}

// SetSignalStatus marks a signal reviewed or archived. Linking goes through LinkSignal.
func (e Engine) SetSignalStatus(ctx context.Context, id, status, actorID string) (domain.EvidenceSignal, error) {
	st, err := domain.ParseSignalStatus(status)
	if err != nil {
		return domain.EvidenceSignal{}, err
	}
	if st == domain.SignalLinked {
		return domain.EvidenceSignal{}, errors.New("use link to attach a signal to a work item")
	}
	s, err := e.Repo.GetSignal(ctx, nil, id)
	if err != nil {
		return s, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSignalStatusTx(ctx, tx, id, st, now); err != nil {
		return s, err
	}
	if err := e.events().Append(ctx, tx, events.SignalStatusChanged, s.WorkspaceID, "signal", id, actorID, events.Payload{
		"from": s.Status, "to": st,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = st
	s.UpdatedAt = now
	return s, nil
}

// LinkSignal attaches a signal to a work item of the same workspace.
func (e Engine) LinkSignal(ctx context.Context, signalID, workItemID, reason, actorID string) (domain.SignalLink, error) {
	s, err := e.Repo.GetSignal(ctx, nil, signalID)
	if err != nil {
		return domain.SignalLink{}, err
	}
	item, err := e.Repo.GetWorkItem(ctx, nil, workItemID)
	if err != nil {
		return domain.SignalLink{}, err
	}
	if s.WorkspaceID != item.WorkspaceID {
		return domain.SignalLink{}, fmt.Errorf("signal %s and work item %s belong to different workspaces", signalID, workItemID)
	}
	l := domain.SignalLink{SignalID: signalID, WorkItemID: workItemID, Reason: reason, LinkedBy: actorID, CreatedAt: e.timestamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.LinkSignalTx(ctx, tx, l); err != nil {
		return l, err
	}
	if err := e.events().Append(ctx, tx, events.SignalLinked, s.WorkspaceID, "signal", signalID, actorID, events.Payload{
		"work_item_id": workItemID, "reason": reason,
	}); err != nil {
		return l, err
	}
	return l, tx.Commit()
}

func (e Engine) ListSignalLinks(ctx context.Context, workItemID string) ([]domain.SignalLink, error) {
	return e.Repo.ListSignalLinks(ctx, workItemID)
}

func (e Engine) clusterer(ctx context.Context, workspaceID string) (cluster.Greedy, int, error) {
	cfg, err := e.ConfigFor(ctx, workspaceID)
	if err != nil {
		return cluster.Greedy{}, 0, err
	}
	return cluster.Greedy{Repo: e.Repo, MaxDistance: cfg.Clustering.MaxDistance}, cfg.Clustering.MinMembers, nil
}

// Clusters previews the clusters automation would currently see.
func (e Engine) Clusters(ctx context.Context, workspaceID string) ([]domain.SignalCluster, error) {
	g, minMembers, err := e.clusterer(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if minMembers < cluster.DefaultMinMembers {
		minMembers = cluster.DefaultMinMembers
	}
	out := []domain.SignalCluster{}
	for c, err := range g.Clusters(ctx, workspaceID, minMembers) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
