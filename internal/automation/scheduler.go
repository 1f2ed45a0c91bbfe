package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Minute

// Scheduler sweeps all workspaces on an interval and evaluates single
// workspaces on demand. Triggers for a workspace that arrive before the
// pending one runs are coalesced.
type Scheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Log      *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

func NewScheduler(sw Sweeper, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Sweeper:  sw,
		Interval: interval,
		Log:      log,
		pending:  map[string]struct{}{},
		wake:     make(chan struct{}, 1),
	}
}

// Trigger asks for an evaluation of workspaceID soon. It never blocks.
func (s *Scheduler) Trigger(workspaceID string) {
	s.mu.Lock()
	s.pending[workspaceID] = struct{}{}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	clear(s.pending)
	sort.Strings(ids)
	return ids
}

// Run blocks until ctx is done. onSweep, when set, receives every result.
func (s *Scheduler) Run(ctx context.Context, onSweep func(SweepResult)) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.Log.Info("automation scheduler started", zap.Duration("interval", s.Interval))
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("automation scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			res, err := s.Sweeper.Sweep(ctx)
			if err != nil {
				s.Log.Error("automation sweep failed", zap.Error(err))
				continue
			}
			if onSweep != nil {
				onSweep(res)
			}
		case <-s.wake:
			ids := s.drain()
			if len(ids) == 0 {
				continue
			}
			res := s.Sweeper.SweepWorkspaces(ctx, ids)
			if onSweep != nil {
				onSweep(res)
			}
		}
	}
}
