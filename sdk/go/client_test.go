package stagelinesdk_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
	stagelinesdk "stageline/sdk/go"
)

func newClient(t *testing.T) *stagelinesdk.Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	if _, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "acme", ActorID: "tester"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	_, key, err := e.CreateAPIKey(ctx, "acme", "tester", "sdk", nil, "tester")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "unused"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	c := stagelinesdk.New("http://"+ln.Addr().String(), "acme")
	c.APIKey = key
	return c
}

func TestClientPipelineFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	item, err := c.CreateWorkItem(ctx, "Bulk export", "")
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	if item.Stage != "inbox" {
		t.Fatalf("stage = %s", item.Stage)
	}
	if _, err := c.Transition(ctx, item.ID, "discovery", "", false); err != nil {
		t.Fatalf("to discovery: %v", err)
	}
	_, err = c.Transition(ctx, item.ID, "prd", "", false)
	if !stagelinesdk.IsTransitionBlocked(err) {
		t.Fatalf("expected blocked transition, got %v", err)
	}
	var apiErr *stagelinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := c.CheckCriteria(ctx, item.ID)
	if err != nil {
		t.Fatalf("criteria: %v", err)
	}
	if res.CanGraduate || res.Stage != "discovery" || len(res.Checks) == 0 {
		t.Fatalf("unexpected criteria: %+v", res)
	}

	if _, err := c.GetWorkItem(ctx, "missing"); err == nil {
		t.Fatalf("expected not found")
	} else if errors.As(err, &apiErr) && apiErr.Code != "not_found" {
		t.Fatalf("code = %s", apiErr.Code)
	}
}

func TestClientAutomationFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	for _, text := range []string{"export is slow", "exports time out"} {
		if _, err := c.IngestSignal(ctx, text, "high", []float32{1, 0, 0}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	clusters, err := c.Clusters(ctx)
	if err != nil {
		t.Fatalf("clusters: %v", err)
	}
	if len(clusters) != 1 || len(clusters[0].MemberIDs) != 2 {
		t.Fatalf("clusters = %+v", clusters)
	}

	s, err := c.UpdateAutomationSettings(ctx, map[string]any{"depth": "auto_create", "initiative_threshold": 2})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if s.Depth != "auto_create" {
		t.Fatalf("depth = %s", s.Depth)
	}
	ev, err := c.EvaluateAutomation(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.ActionsTriggered) != 1 || ev.ActionsTriggered[0].Type != "initiative_created" {
		t.Fatalf("evaluation = %+v", ev)
	}

	again, err := c.EvaluateAutomation(ctx)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(again.ActionsTriggered) != 0 {
		t.Fatalf("cluster acted on twice: %+v", again)
	}

	page, err := c.EventsPage(ctx, 5, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("expected events")
	}
}
