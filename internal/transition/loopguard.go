package transition

import (
	"context"
	"time"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const (
	DefaultLoopWindow = time.Minute
	DefaultLoopCap    = 3
)

// LoopGuard bounds automation-driven transitions of one item into one stage.
// Counts come from stage_transitions on every call.
type LoopGuard struct {
	Repo   repo.Repo
	Now    func() time.Time
	Window time.Duration
	Cap    int
}

// IsLoop reports whether another automation transition of workItemID to
// toStage would exceed the cap inside the trailing window. It also returns
// the recent count and the window applied.
func (g LoopGuard) IsLoop(ctx context.Context, workItemID string, toStage domain.Stage) (bool, int, time.Duration, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	window, limit := g.Window, g.Cap
	if window <= 0 {
		window = DefaultLoopWindow
	}
	if limit <= 0 {
		limit = DefaultLoopCap
	}
	since := repo.Timestamp(now().Add(-window))
	n, err := g.Repo.CountTransitionsSince(ctx, workItemID, toStage, domain.ActorAutomation, since)
	if err != nil {
		return false, 0, window, err
	}
	return n >= limit, n, window, nil
}
