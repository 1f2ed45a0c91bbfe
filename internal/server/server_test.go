package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/transition"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func openEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("ws-1"))
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := e.CreateWorkspace(context.Background(), engine.WorkspaceCreateOptions{ID: "ws-1", Config: cfg, ActorID: "tester"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := openEngine(t, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		DevLogin:               true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	url, stop := serveLoopback(t, handler)
	testSrv := &testServer{URL: url, Engine: e, client: &http.Client{}, close: stop}
	return testSrv, func() { testSrv.Close() }
}

func serveLoopback(t *testing.T, handler http.Handler) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return "http://" + ln.Addr().String(), func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func TestTransitionBlockedThenOverridden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1/work-items"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"name": "Faster search"}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Stage != domain.StageInbox {
		t.Fatalf("new item stage = %s", item.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/"+item.ID+"/transition", map[string]any{"to_stage": "discovery"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbox -> discovery status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/"+item.ID+"/transition", map[string]any{"to_stage": "prd"}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "transition_blocked" || env.Error.Details["code"] != transition.CodeCriteriaUnmet {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	if env.Error.Details["override_allowed"] != true {
		t.Fatalf("override should be allowed: %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/"+item.ID+"/transition", map[string]any{
		"to_stage":       "prd",
		"reason":         "exec sponsor",
		"force_override": true,
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	var result transition.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Decision.Overridden || result.WorkItem.Stage != domain.StagePRD || !result.Event.Forced {
		t.Fatalf("unexpected override result: %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/"+item.ID+"/transitions", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.StageTransitionEvent
	if err := json.Unmarshal(data, &history); err != nil || len(history) != 2 {
		t.Fatalf("history = %s (%v)", string(data), err)
	}
}

func TestSameStageAndUnknownStageAreBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1/work-items"

	_, data := doJSON(t, client, http.MethodPost, base, map[string]any{"id": "wi-1", "name": "Item"}, asTester)
	for _, stage := range []string{"inbox", "shipping"} {
		res, body := doJSON(t, client, http.MethodPost, base+"/wi-1/transition", map[string]any{"to_stage": stage}, asTester)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("to %s: expected 400, got %d: %s (create: %s)", stage, res.StatusCode, string(body), string(data))
		}
	}
}

func TestAccessControl(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1"

	res, _ := doJSON(t, client, http.MethodGet, base+"/work-items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/work-items", nil, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" || env.Error.Details["permission"] != "workitem.read" {
		t.Fatalf("unexpected forbidden body: %+v", env.Error)
	}

	res, _ = doJSON(t, client, http.MethodGet, base+"/work-items/missing", nil, asTester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing item: expected 404, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rbac/roles/grant", map[string]any{"actor_id": "stranger", "role_id": "viewer"}, asTester)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/work-items", nil, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, base+"/work-items", map[string]any{"name": "nope"}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create: expected 403, got %d", res.StatusCode)
	}
}

func TestDevLoginTokenCarriesPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "collector",
		"permissions": []string{"signal.*"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login body %s (%v)", string(data), err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil || me.ActorID != "collector" {
		t.Fatalf("me body %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/signals", map[string]any{
		"text":     "export times out",
		"severity": "high",
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var sig domain.EvidenceSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if sig.Status != domain.SignalNew || sig.Severity != domain.SeverityHigh {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/work-items", nil, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("token without workitem.read: expected 403, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", res.StatusCode)
	}
}

func TestAutomationSettingsAndEvaluate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1/automation"

	res, data := doJSON(t, client, http.MethodPut, base+"/settings", map[string]any{"depth": "manual"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update settings status %d: %s", res.StatusCode, string(data))
	}
	var s domain.AutomationSettings
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if s.Depth != domain.DepthManual || s.InitiativeThreshold != 3 {
		t.Fatalf("partial update lost fields: %+v", s)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/settings", map[string]any{"min_confidence": 2}, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid confidence: expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/evaluate", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Depth            string `json:"depth"`
		ClustersChecked  int    `json:"clusters_checked"`
		ActionsTriggered []any  `json:"actions_triggered"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal evaluate: %v", err)
	}
	if out.Depth != "manual" || len(out.ActionsTriggered) != 0 {
		t.Fatalf("manual depth should not act: %s", string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, name := range []string{"a", "b", "c"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/work-items", map[string]any{"name": name}, asTester)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/events?type=workitem.created&limit=2", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/events?type=workitem.created&limit=2&cursor="+page.NextCursor, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Payload == nil {
		t.Fatalf("second page = %s", string(data))
	}
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	receiver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Stageline-Signature")+"|"+signPayload("s3cret", body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	url, stop := serveLoopback(t, receiver)
	defer stop()

	cfg := config.Default("ws-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: url, Events: []string{"workitem.*"}, Secret: "s3cret"}}
	e := openEngine(t, cfg)
	ctx := context.Background()

	d := NewWebhookDispatcher(e)
	d.DispatchAll(ctx)
	if _, err := e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{WorkspaceID: "ws-1", Name: "Hooked", ActorID: "tester"}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := e.IngestSignal(ctx, engine.SignalInput{WorkspaceID: "ws-1", Text: "noise"}, "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d: %+v", len(received), received)
	}
	if received[0].Type != "workitem.created" || received[0].WorkspaceID != "ws-1" {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	parts := strings.SplitN(sigs[0], "|", 2)
	if parts[0] != "sha256="+parts[1] {
		t.Fatalf("signature mismatch: %s", sigs[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"workitem.*", "signal.linked"})
	for evt, want := range map[string]bool{
		"workitem.created":    true,
		"workitem.archived":   true,
		"signal.linked":       true,
		"signal.ingested":     false,
		"automation.notified": false,
	} {
		if got := f.match(evt); got != want {
			t.Errorf("match(%s) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}

func TestRevokedAPIKeyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	key, plaintext, err := srv.Engine.CreateAPIKey(ctx, "ws-1", "tester", "ci", nil, "tester")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	headers := map[string]string{"X-Api-Key": plaintext}
	url := srv.URL + "/v0/workspaces/ws-1/work-items"

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with key: %d %s", res.StatusCode, string(data))
	}
	if err := srv.Engine.RevokeAPIKey(ctx, "ws-1", key.ID, "tester"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d %s", res.StatusCode, string(data))
	}
	if err := srv.Engine.RevokeAPIKey(ctx, "ws-1", key.ID, "tester"); err == nil {
		t.Fatalf("second revoke should report not found")
	}
}

func TestValidateTransitionIsReadOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1/work-items"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"id": "wi-1", "name": "Item"}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/wi-1/transition", map[string]any{"to_stage": "discovery"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbox -> discovery status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/wi-1/transition/validate", map[string]any{"to_stage": "prd"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var dec transition.Decision
	if err := json.Unmarshal(data, &dec); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected blocked decision: %s", string(data))
	}
	if want := "missing documents: research; 0 of 1 required linked evidence signals"; dec.Reason != want {
		t.Fatalf("reason = %q, want %q", dec.Reason, want)
	}
	if dec.CheckResult.CanGraduate || len(dec.CheckResult.Checks) != 2 {
		t.Fatalf("unexpected check result: %+v", dec.CheckResult)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/wi-1/transition/validate", map[string]any{"to_stage": "discovery"}, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("same stage: expected 400, got %d: %s", res.StatusCode, string(data))
	}

	item, err := srv.Engine.GetWorkItem(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Stage != domain.StageDiscovery {
		t.Fatalf("validate moved the item to %s", item.Stage)
	}
	history, err := srv.Engine.ListTransitions(context.Background(), "wi-1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %+v (%v)", history, err)
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestRequestBodyIsNotBufferedUpFront(t *testing.T) {
	e := openEngine(t, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	body := &countingReader{r: strings.NewReader(strings.Repeat("x", 64<<10))}
	req := httptest.NewRequest(http.MethodGet, "/v0/health", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d: %s", rec.Code, rec.Body.String())
	}
	if body.n != 0 {
		t.Fatalf("handler read %d body bytes for a route without a body", body.n)
	}
}
