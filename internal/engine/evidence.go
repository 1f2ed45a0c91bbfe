package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
)

// AddDocument attaches a document to a work item. The type is what graduation
// criteria match against, e.g. "prd" or "research".
func (e Engine) AddDocument(ctx context.Context, d domain.Document, actorID string) (domain.Document, error) {
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return d, errors.New("document type is required")
	}
	item, err := e.Repo.GetWorkItem(ctx, nil, d.WorkItemID)
	if err != nil {
		return d, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Title == "" {
		d.Title = d.Type
	}
	d.CreatedBy = actorID
	d.CreatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.events().Append(ctx, tx, events.DocumentAdded, item.WorkspaceID, "document", d.ID, actorID, events.Payload{
		"work_item_id": d.WorkItemID, "type": d.Type,
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (e Engine) AddPrototype(ctx context.Context, p domain.Prototype, actorID string) (domain.Prototype, error) {
	item, err := e.Repo.GetWorkItem(ctx, nil, p.WorkItemID)
	if err != nil {
		return p, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Type == "" {
		p.Type = "interactive"
	}
	p.CreatedBy = actorID
	p.CreatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPrototype(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, events.PrototypeAdded, item.WorkspaceID, "prototype", p.ID, actorID, events.Payload{
		"work_item_id": p.WorkItemID, "type": p.Type, "url": p.URL,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// AddArtifact records an artifact. An empty stage means the item's current stage.
func (e Engine) AddArtifact(ctx context.Context, a domain.Artifact, actorID string) (domain.Artifact, error) {
	if strings.TrimSpace(a.Type) == "" {
		return a, errors.New("artifact type is required")
	}
	item, err := e.Repo.GetWorkItem(ctx, nil, a.WorkItemID)
	if err != nil {
		return a, err
	}
	if a.Stage == "" {
		a.Stage = item.Stage
	} else if !a.Stage.Valid() {
		return a, fmt.Errorf("%w: %q", domain.ErrUnknownStage, a.Stage)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedBy = actorID
	a.CreatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.events().Append(ctx, tx, events.ArtifactAdded, item.WorkspaceID, "artifact", a.ID, actorID, events.Payload{
		"work_item_id": a.WorkItemID, "stage": a.Stage, "type": a.Type, "label": a.Label,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

type JuryInput struct {
	WorkItemID string
	Approvals  int
	Total      int
	Verdict    string
	Concerns   []string
}

// RecordJury stores a jury evaluation against the item's current stage.
func (e Engine) RecordJury(ctx context.Context, in JuryInput, actorID string) (domain.JuryEvaluation, error) {
	if in.Total <= 0 {
		return domain.JuryEvaluation{}, errors.New("total must be > 0")
	}
	if in.Approvals < 0 || in.Approvals > in.Total {
		return domain.JuryEvaluation{}, fmt.Errorf("approvals must be within [0,%d]", in.Total)
	}
	switch in.Verdict {
	case "pass", "fail", "conditional":
	case "":
		in.Verdict = "conditional"
	default:
		return domain.JuryEvaluation{}, fmt.Errorf("invalid verdict %q", in.Verdict)
	}
	item, err := e.Repo.GetWorkItem(ctx, nil, in.WorkItemID)
	if err != nil {
		return domain.JuryEvaluation{}, err
	}
	j := domain.JuryEvaluation{
		ID:           uuid.NewString(),
		WorkItemID:   in.WorkItemID,
		Stage:        item.Stage,
		Approvals:    in.Approvals,
		Total:        in.Total,
		ApprovalRate: float64(in.Approvals) / float64(in.Total),
		Verdict:      in.Verdict,
		Concerns:     in.Concerns,
		CreatedBy:    actorID,
		CreatedAt:    e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJuryEvaluationTx(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.events().Append(ctx, tx, events.JuryRecorded, item.WorkspaceID, "jury_evaluation", j.ID, actorID, events.Payload{
		"work_item_id": j.WorkItemID, "approval_rate": j.ApprovalRate, "verdict": j.Verdict,
	}); err != nil {
		return j, err
	}
	return j, tx.Commit()
}

func (e Engine) ListDocuments(ctx context.Context, workItemID string) ([]domain.Document, error) {
	return e.Repo.ListDocuments(ctx, nil, workItemID)
}

func (e Engine) ListJuryEvaluations(ctx context.Context, workItemID string) ([]domain.JuryEvaluation, error) {
	return e.Repo.ListJuryEvaluations(ctx, workItemID)
}
