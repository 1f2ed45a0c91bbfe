package engine

import (
	"context"
	"iter"
	"time"

	"stageline/internal/automation"
	"stageline/internal/config"
	"stageline/internal/dispatch"
	"stageline/internal/domain"
	"stageline/internal/jobs"
	"stageline/internal/notify"
	"stageline/internal/ratelimit"
	"stageline/internal/repo"
)

// workspaceClusterer applies each workspace's own clustering settings.
type workspaceClusterer struct {
	e Engine
}

func (w workspaceClusterer) Clusters(ctx context.Context, workspaceID string, minMembers int) iter.Seq2[domain.SignalCluster, error] {
	g, _, err := w.e.clusterer(ctx, workspaceID)
	if err != nil {
		return func(yield func(domain.SignalCluster, error) bool) {
			yield(domain.SignalCluster{}, err)
		}
	}
	return g.Clusters(ctx, workspaceID, minMembers)
}

func (e Engine) processConfig() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default("")
}

// Automation wires the policy engine to this engine's store and clock.
func (e Engine) Automation() automation.Engine {
	cfg := e.processConfig()
	return automation.Engine{
		Repo:       e.Repo,
		Clusterer:  workspaceClusterer{e: e},
		Limiter:    ratelimit.Limiter{Repo: e.Repo, Now: e.now, Location: time.Local},
		Dispatcher: dispatch.New(e.DB, e.Transitioner(), e.now),
		Notifier:   notify.NewStore(e.DB, e.now),
		Configs:    e,
		Defaults:   cfg.Automation,
		MinMembers: cfg.Clustering.MinMembers,
		Log:        e.log(),
	}
}

func (e Engine) Sweeper() automation.Sweeper {
	return automation.Sweeper{
		Engine:      e.Automation(),
		Repo:        e.Repo,
		Concurrency: e.processConfig().Scheduler.Concurrency,
		Log:         e.log(),
	}
}

// NewScheduler builds a scheduler using the configured sweep interval.
func (e Engine) NewScheduler() *automation.Scheduler {
	interval := time.Duration(e.processConfig().Scheduler.IntervalSeconds) * time.Second
	return automation.NewScheduler(e.Sweeper(), interval, e.log())
}

func (e Engine) AutomationSettings(ctx context.Context, workspaceID string) (domain.AutomationSettings, error) {
	return e.Automation().Settings(ctx, workspaceID)
}

func (e Engine) UpdateAutomationSettings(ctx context.Context, s domain.AutomationSettings, actorID string) (domain.AutomationSettings, error) {
	if _, err := e.Repo.GetWorkspace(ctx, s.WorkspaceID); err != nil {
		return s, err
	}
	return automation.SaveSettings(ctx, e.DB, e.now, s, actorID)
}

func (e Engine) EvaluateAutomation(ctx context.Context, workspaceID string) (automation.Result, error) {
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return automation.Result{}, err
	}
	return e.Automation().Evaluate(ctx, workspaceID)
}

func (e Engine) Sweep(ctx context.Context) (automation.SweepResult, error) {
	return e.Sweeper().Sweep(ctx)
}

func (e Engine) ListAutomationActions(ctx context.Context, workspaceID string, limit int) ([]domain.AutomationActionRecord, error) {
	return e.Repo.ListAutomationActions(ctx, workspaceID, limit)
}

func (e Engine) ListNotifications(ctx context.Context, workspaceID string, limit int) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, workspaceID, limit)
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return jobs.New(e.DB, e.now).List(ctx, f)
}

func (e Engine) SetJobStatus(ctx context.Context, id, status, actorID string) (domain.Job, error) {
	return jobs.New(e.DB, e.now).SetStatus(ctx, id, status, actorID)
}
