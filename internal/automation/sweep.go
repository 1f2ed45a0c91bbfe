package automation

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const DefaultConcurrency = 4

type WorkspaceResult struct {
	Result
	Actions int    `json:"actions"`
	Error   string `json:"error,omitempty"`
}

type SweepResult struct {
	Workspaces []WorkspaceResult `json:"workspaces"`
	Actions    int               `json:"actions"`
	Failed     int               `json:"failed"`
}

// Sweeper evaluates every workspace with bounded concurrency. A failing
// workspace is logged and counted as zero actions; the others still run.
type Sweeper struct {
	Engine      Engine
	Repo        repo.Repo
	Concurrency int
	Log         *zap.Logger
}

func (s Sweeper) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	workspaces, err := s.Repo.ListWorkspaces(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	ids := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		if ws.Status == "" || ws.Status == "active" {
			ids = append(ids, ws.ID)
		}
	}
	return s.SweepWorkspaces(ctx, ids), nil
}

func (s Sweeper) SweepWorkspaces(ctx context.Context, ids []string) SweepResult {
	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]WorkspaceResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = s.EvaluateIsolated(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	out := SweepResult{Workspaces: results}
	for _, r := range results {
		out.Actions += r.Actions
		if r.Error != "" {
			out.Failed++
		}
	}
	return out
}

// EvaluateIsolated runs one workspace and converts failures, including
// panics, into a logged error entry.
func (s Sweeper) EvaluateIsolated(ctx context.Context, workspaceID string) (wr WorkspaceResult) {
	log := s.log().With(zap.String("workspace_id", workspaceID))
	start := time.Now()
	log.Info("automation evaluate start")
	defer func() {
		if p := recover(); p != nil {
			log.Error("automation evaluate panicked", zap.Any("panic", p))
			wr = WorkspaceResult{Result: Result{WorkspaceID: workspaceID}, Error: "panic during evaluation"}
		}
	}()
	res, err := s.Engine.Evaluate(ctx, workspaceID)
	if err != nil {
		log.Error("automation evaluate failed", zap.Error(err))
		return WorkspaceResult{Result: Result{WorkspaceID: workspaceID}, Error: err.Error()}
	}
	wr = WorkspaceResult{Result: res, Actions: res.count(domain.ActionInitiativeCreated) + res.count(domain.ActionPRDTriggered)}
	log.Info("automation evaluate finished",
		zap.Int("clusters", res.ClustersChecked),
		zap.Int("actions", wr.Actions),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("took", time.Since(start)))
	return wr
}
