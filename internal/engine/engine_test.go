package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stageline/internal/auth"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/transition"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("ws-1"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", ActorID: "tester"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) item(t *testing.T, name string) domain.WorkItem {
	t.Helper()
	item, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{WorkspaceID: "ws-1", Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	return item
}

func TestCreateWorkspaceSeedsSettingsAndOwner(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.AutomationSettings(env.Ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Depth != domain.DepthSuggest || s.InitiativeThreshold != 3 {
		t.Fatalf("unexpected seeded settings: %+v", s)
	}
	if err := env.Engine.Require(env.Ctx, "ws-1", "tester", auth.PermTransitionOverride); err != nil {
		t.Fatalf("creator should be owner: %v", err)
	}
	var forbidden auth.ForbiddenError
	if err := env.Engine.Require(env.Ctx, "ws-1", "stranger", auth.PermWorkItemRead); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{ID: "ws-1", ActorID: "tester"}); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate workspace error, got %v", err)
	}
}

func TestTransitionBlockedUntilEvidenceExists(t *testing.T) {
	env := newTestEnv(t)
	item := env.item(t, "Faster search")

	res, err := env.Engine.Transition(env.Ctx, transition.Request{WorkItemID: item.ID, ToStage: domain.StageDiscovery, ActorID: "tester"})
	if err != nil {
		t.Fatalf("inbox -> discovery: %v", err)
	}
	if res.WorkItem.Stage != domain.StageDiscovery || res.Event.ActorKind != domain.ActorUser {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = env.Engine.Transition(env.Ctx, transition.Request{WorkItemID: item.ID, ToStage: domain.StagePRD, ActorID: "tester"})
	var blocked *transition.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected blocked transition, got %v", err)
	}
	if blocked.Code != transition.CodeCriteriaUnmet {
		t.Fatalf("code = %s", blocked.Code)
	}

	if _, err := env.Engine.AddDocument(env.Ctx, domain.Document{WorkItemID: item.ID, Type: "research", Content: "interviews"}, "tester"); err != nil {
		t.Fatal(err)
	}
	sig, err := env.Engine.IngestSignal(env.Ctx, engine.SignalInput{WorkspaceID: "ws-1", Text: "search takes 10s", Severity: "high"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkSignal(env.Ctx, sig.ID, item.ID, "evidence", "tester"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Transition(env.Ctx, transition.Request{WorkItemID: item.ID, ToStage: domain.StagePRD, ActorID: "tester"})
	if err != nil {
		t.Fatalf("discovery -> prd after evidence: %v", err)
	}
	if !res.Decision.Allowed || res.Decision.Overridden {
		t.Fatalf("unexpected decision: %+v", res.Decision)
	}
	history, err := env.Engine.ListTransitions(env.Ctx, item.ID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %v, %v", history, err)
	}
}

func TestEvaluateStageGatesUsesDocumentsAndDirectory(t *testing.T) {
	env := newTestEnv(t)
	item := env.item(t, "Onboarding")
	for _, to := range []domain.Stage{domain.StageDiscovery, domain.StagePRD} {
		if _, err := env.Engine.Transition(env.Ctx, transition.Request{WorkItemID: item.ID, ToStage: to, ActorID: "tester", ForceOverride: true}); err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
	}
	rep, err := env.Engine.EvaluateStageGates(env.Ctx, item.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Passed || rep.Stage != domain.StagePRD {
		t.Fatalf("expected failing prd gates, got %+v", rep)
	}

	if _, err := env.Engine.AddDocument(env.Ctx, domain.Document{WorkItemID: item.ID, Type: "prd", Content: "## Problem\n## Goals\n"}, "tester"); err != nil {
		t.Fatal(err)
	}
	rep, err = env.Engine.EvaluateStageGates(env.Ctx, item.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Passed {
		t.Fatalf("success metrics section is still missing: %+v", rep)
	}

	dir := t.TempDir()
	full := "## Problem\n## Goals\n## Success Metrics\n"
	if err := os.WriteFile(filepath.Join(dir, "prd.md"), []byte(full), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err = env.Engine.EvaluateStageGates(env.Ctx, item.ID, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Passed {
		t.Fatalf("directory overlay should satisfy gates: %+v", rep)
	}
}

func TestIngestTriggersAutomation(t *testing.T) {
	env := newTestEnv(t)
	var triggered []string
	env.Engine.OnSignal = func(ws string) { triggered = append(triggered, ws) }

	s, _ := env.Engine.AutomationSettings(env.Ctx, "ws-1")
	s.Depth = domain.DepthAutoCreate
	if _, err := env.Engine.UpdateAutomationSettings(env.Ctx, s, "tester"); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"export to csv fails", "csv export broken", "cannot export csv"} {
		if _, err := env.Engine.IngestSignal(env.Ctx, engine.SignalInput{
			WorkspaceID: "ws-1", Text: text, Severity: "high", Embedding: []float32{0.2, 0.9, 0.1},
		}, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if len(triggered) != 3 || triggered[0] != "ws-1" {
		t.Fatalf("OnSignal calls = %v", triggered)
	}
	clusters, err := env.Engine.Clusters(env.Ctx, "ws-1")
	if err != nil || len(clusters) != 1 || clusters[0].MemberCount() != 3 {
		t.Fatalf("clusters = %+v, %v", clusters, err)
	}

	res, err := env.Engine.EvaluateAutomation(env.Ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ActionsTriggered) != 1 || res.ActionsTriggered[0].Type != domain.ActionInitiativeCreated {
		t.Fatalf("actions = %+v", res.ActionsTriggered)
	}
	links, err := env.Engine.ListSignalLinks(env.Ctx, res.ActionsTriggered[0].WorkItemID)
	if err != nil || len(links) != 3 {
		t.Fatalf("links = %v, %v", links, err)
	}
	// Linked signals leave the candidate pool.
	clusters, err = env.Engine.Clusters(env.Ctx, "ws-1")
	if err != nil || len(clusters) != 0 {
		t.Fatalf("clusters after action = %+v, %v", clusters, err)
	}
	recs, err := env.Engine.ListAutomationActions(env.Ctx, "ws-1", 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %v, %v", recs, err)
	}
}

func TestSetMetricsAndArchive(t *testing.T) {
	env := newTestEnv(t)
	item := env.item(t, "Billing v2")
	item, err := env.Engine.SetMetrics(env.Ctx, item.ID, map[string]float64{"error_rate": 0.01}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	release, _ := got.Metadata["release_metrics"].(map[string]any)
	current, _ := release["current"].(map[string]any)
	if current["error_rate"] != 0.01 {
		t.Fatalf("metrics not stored: %+v", got.Metadata)
	}
	archived, err := env.Engine.ArchiveWorkItem(env.Ctx, item.ID, "tester")
	if err != nil || archived.Status != domain.WorkItemArchived {
		t.Fatalf("archive: %+v, %v", archived, err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{WorkspaceID: "ws-1", EntityID: item.ID})
	if err != nil || len(evts) != 3 {
		t.Fatalf("events = %v, %v", evts, err)
	}
}

func TestRecordJuryValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	item := env.item(t, "Search filters")
	if _, err := env.Engine.RecordJury(env.Ctx, engine.JuryInput{WorkItemID: item.ID, Approvals: 4, Total: 3}, "tester"); err == nil {
		t.Fatal("expected error for approvals > total")
	}
	j, err := env.Engine.RecordJury(env.Ctx, engine.JuryInput{WorkItemID: item.ID, Approvals: 3, Total: 4, Verdict: "pass"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if j.ApprovalRate != 0.75 || j.Stage != domain.StageInbox {
		t.Fatalf("unexpected jury: %+v", j)
	}
}

func TestAutomationUsesWorkspaceClusteringAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("ws-2")
	cfg.Clustering.MinMembers = 4
	cfg.Automation.Depth = string(domain.DepthAutoCreate)
	cfg.Automation.InitiativeThreshold = 3
	if _, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{ID: "ws-2", Config: cfg, ActorID: "tester"}); err != nil {
		t.Fatalf("create ws-2: %v", err)
	}
	for _, text := range []string{"sso login loops", "sso redirect loop", "login loop with sso"} {
		if _, err := env.Engine.IngestSignal(env.Ctx, engine.SignalInput{
			WorkspaceID: "ws-2", Text: text, Severity: "high", Embedding: []float32{0.7, 0.1, 0.7},
		}, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := env.Engine.EvaluateAutomation(env.Ctx, "ws-2")
	if err != nil {
		t.Fatal(err)
	}
	if res.ClustersChecked != 0 || len(res.ActionsTriggered) != 0 {
		t.Fatalf("three signals must not form a cluster when min_members is 4: %+v", res)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM automation_settings WHERE workspace_id=?`, "ws-2"); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.AutomationSettings(env.Ctx, "ws-2")
	if err != nil {
		t.Fatal(err)
	}
	if s.Depth != domain.DepthAutoCreate || s.InitiativeThreshold != 3 {
		t.Fatalf("fallback settings should come from the workspace config: %+v", s)
	}
}
