// Package automation is the closed control loop that turns signal clusters
// into work items within the limits a workspace allows.
package automation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stageline/internal/cluster"
	"stageline/internal/config"
	"stageline/internal/dispatch"
	"stageline/internal/domain"
	"stageline/internal/notify"
	"stageline/internal/ratelimit"
	"stageline/internal/repo"
)

// Skip reasons.
const (
	ReasonAlreadyActioned = "already_actioned"
	ReasonCooldown        = ratelimit.ReasonCooldown
	ReasonDailyLimit      = ratelimit.ReasonDailyLimit
	ReasonLowConfidence   = "low_confidence"
	ReasonBelowSeverity   = "below_severity"
	ReasonBelowThreshold  = "below_threshold"
	ReasonDispatchFailed  = "dispatch_failed"
	ReasonError           = "error"
)

type Action struct {
	ClusterID      string            `json:"cluster_id"`
	Type           domain.ActionType `json:"type"`
	WorkItemID     string            `json:"work_item_id,omitempty"`
	JobID          string            `json:"job_id,omitempty"`
	NotificationID string            `json:"notification_id,omitempty"`
}

type Skip struct {
	ClusterID string `json:"cluster_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

type Result struct {
	WorkspaceID      string       `json:"workspace_id"`
	Depth            domain.Depth `json:"depth"`
	ClustersChecked  int          `json:"clusters_checked"`
	ActionsTriggered []Action     `json:"actions_triggered"`
	Skipped          []Skip       `json:"skipped"`
}

func (r Result) count(t domain.ActionType) int {
	n := 0
	for _, a := range r.ActionsTriggered {
		if a.Type == t {
			n++
		}
	}
	return n
}

// ConfigSource resolves a workspace's own configuration.
type ConfigSource interface {
	ConfigFor(ctx context.Context, workspaceID string) (*config.Config, error)
}

type Engine struct {
	Repo       repo.Repo
	Clusterer  cluster.Clusterer
	Limiter    ratelimit.Limiter
	Dispatcher dispatch.Dispatcher
	Notifier   notify.Notifier
	// Configs supplies per-workspace defaults and min_members. When nil,
	// Defaults and MinMembers apply to every workspace.
	Configs    ConfigSource
	Defaults   config.AutomationDefaults
	MinMembers int
	Log        *zap.Logger
}

func (e Engine) workspaceDefaults(ctx context.Context, workspaceID string) (config.AutomationDefaults, int, error) {
	if e.Configs == nil {
		return e.Defaults, e.MinMembers, nil
	}
	cfg, err := e.Configs.ConfigFor(ctx, workspaceID)
	if err != nil {
		return config.AutomationDefaults{}, 0, fmt.Errorf("load workspace config: %w", err)
	}
	return cfg.Automation, cfg.Clustering.MinMembers, nil
}

// Settings returns the stored settings or the workspace's configured defaults.
func (e Engine) Settings(ctx context.Context, workspaceID string) (domain.AutomationSettings, error) {
	s, err := e.Repo.GetAutomationSettings(ctx, workspaceID)
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	defaults, _, err := e.workspaceDefaults(ctx, workspaceID)
	if err != nil {
		return domain.AutomationSettings{}, err
	}
	return defaults.Settings(workspaceID), nil
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Evaluate runs one pass over the workspace's clusters. Every cluster ends up
// either in ActionsTriggered or Skipped. An error is returned only when the
// pass could not start or the cluster source failed; per-cluster failures are
// reported as skips.
func (e Engine) Evaluate(ctx context.Context, workspaceID string) (Result, error) {
	res := Result{WorkspaceID: workspaceID, ActionsTriggered: []Action{}, Skipped: []Skip{}}
	settings, err := e.Settings(ctx, workspaceID)
	if err != nil {
		return res, fmt.Errorf("load automation settings: %w", err)
	}
	res.Depth = settings.Depth
	if !settings.Depth.Allows(domain.DepthSuggest) {
		return res, nil
	}
	_, minMembers, err := e.workspaceDefaults(ctx, workspaceID)
	if err != nil {
		return res, err
	}
	if minMembers < cluster.DefaultMinMembers {
		minMembers = cluster.DefaultMinMembers
	}
	log := e.log().With(zap.String("workspace_id", workspaceID))
	for c, err := range e.Clusterer.Clusters(ctx, workspaceID, minMembers) {
		if err != nil {
			return res, fmt.Errorf("cluster signals: %w", err)
		}
		res.ClustersChecked++
		skip, actions := e.evaluateCluster(ctx, settings, c)
		if skip != nil {
			log.Debug("cluster skipped", zap.String("cluster_id", c.ID), zap.String("reason", skip.Reason), zap.String("message", skip.Message))
			res.Skipped = append(res.Skipped, *skip)
		}
		res.ActionsTriggered = append(res.ActionsTriggered, actions...)
	}
	return res, nil
}

func (e Engine) evaluateCluster(ctx context.Context, s domain.AutomationSettings, c domain.SignalCluster) (*Skip, []Action) {
	skip := func(reason, msg string) (*Skip, []Action) {
		return &Skip{ClusterID: c.ID, Reason: reason, Message: msg}, nil
	}
	actioned, err := e.Repo.ClusterActioned(ctx, c.WorkspaceID, c.ID)
	if err != nil {
		return skip(ReasonError, err.Error())
	}
	if actioned {
		return skip(ReasonAlreadyActioned, "")
	}
	rl, err := e.Limiter.CanAct(ctx, c.WorkspaceID, c.ID, s)
	if err != nil {
		return skip(ReasonError, err.Error())
	}
	if !rl.Allowed {
		return skip(rl.Reason, rl.Message)
	}
	if c.Confidence < s.MinConfidence {
		return skip(ReasonLowConfidence, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, s.MinConfidence))
	}
	if !c.Severity.AtLeast(s.MinSeverity) {
		return skip(ReasonBelowSeverity, fmt.Sprintf("severity %s below %s", c.Severity, s.MinSeverity))
	}
	if c.MemberCount() < s.InitiativeThreshold {
		return skip(ReasonBelowThreshold, fmt.Sprintf("%d signals below threshold %d", c.MemberCount(), s.InitiativeThreshold))
	}

	if !s.Depth.Allows(domain.DepthAutoCreate) {
		n, err := e.Notifier.Notify(ctx, notify.Message{
			WorkspaceID: c.WorkspaceID,
			ClusterID:   c.ID,
			Kind:        notify.KindSuggestion,
			Title:       "Suggested initiative: " + c.Theme,
			Body:        fmt.Sprintf("%d related signals (severity %s, confidence %.2f) could become a new initiative.", c.MemberCount(), c.Severity, c.Confidence),
			Payload:     map[string]any{"member_ids": c.MemberIDs, "suggested_action": c.SuggestedAction},
		})
		if err != nil {
			return skip(ReasonError, "notify: "+err.Error())
		}
		return nil, []Action{{ClusterID: c.ID, Type: domain.ActionSuggested, NotificationID: n.ID}}
	}

	item, _, err := e.Dispatcher.CreateWorkItem(ctx, c)
	if errors.Is(err, repo.ErrDuplicate) {
		return skip(ReasonAlreadyActioned, "actioned by a concurrent evaluation")
	}
	if err != nil {
		return skip(ReasonDispatchFailed, err.Error())
	}
	created := Action{ClusterID: c.ID, Type: domain.ActionInitiativeCreated, WorkItemID: item.ID}
	if n, err := e.Notifier.Notify(ctx, notify.Message{
		WorkspaceID: c.WorkspaceID,
		ClusterID:   c.ID,
		Kind:        notify.KindInitiativeCreated,
		Title:       "Initiative created: " + c.Theme,
		Body:        fmt.Sprintf("Created work item %s from %d signals.", item.ID, c.MemberCount()),
		Payload:     map[string]any{"work_item_id": item.ID},
	}); err != nil {
		e.log().Warn("notify failed", zap.String("cluster_id", c.ID), zap.Error(err))
	} else {
		created.NotificationID = n.ID
	}
	actions := []Action{created}

	if !s.Depth.Allows(domain.DepthFullAuto) || c.MemberCount() < s.DocThreshold {
		return nil, actions
	}
	job, _, err := e.Dispatcher.TriggerDocumentGeneration(ctx, c, item.ID)
	if err != nil {
		reason := ReasonDispatchFailed
		if errors.Is(err, repo.ErrDuplicate) {
			reason = ReasonAlreadyActioned
		}
		return &Skip{ClusterID: c.ID, Reason: reason, Message: "document generation: " + err.Error()}, actions
	}
	return nil, append(actions, Action{ClusterID: c.ID, Type: domain.ActionPRDTriggered, WorkItemID: item.ID, JobID: job.ID})
}
