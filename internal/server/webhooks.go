package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards workspace events to the webhooks configured for
// each workspace. Cursors start at the latest event when a hook is first seen,
// so history is never replayed.
type WebhookDispatcher struct {
	engine  engine.Engine
	client  *http.Client
	log     *zap.Logger
	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(e engine.Engine) *WebhookDispatcher {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		log:     log.Named("webhooks"),
		cursors: make(map[string]int64),
	}
}

// StartWebhookDispatcher polls until ctx is cancelled.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) *WebhookDispatcher {
	d := NewWebhookDispatcher(e)
	go d.run(ctx)
	return d
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending events for every workspace once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	workspaces, err := d.engine.ListWorkspaces(ctx)
	if err != nil {
		d.log.Warn("list workspaces failed", zap.Error(err))
		return
	}
	for _, ws := range workspaces {
		cfg, err := d.engine.ConfigFor(ctx, ws.ID)
		if err != nil {
			d.log.Warn("load config failed", zap.String("workspace_id", ws.ID), zap.Error(err))
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.dispatchWebhook(ctx, ws.ID, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, workspaceID string, hook config.WebhookConfig) {
	key := workspaceID + "|" + hook.URL
	cursor, ok := d.cursorFor(ctx, key, workspaceID)
	if !ok {
		return
	}
	evs, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, workspaceID)
	if err != nil {
		d.log.Warn("fetch events failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evs {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, workspaceID, hook, evt); err != nil {
			// Retried from the same cursor on the next tick.
			d.log.Warn("deliver failed",
				zap.String("workspace_id", workspaceID),
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, workspaceID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, workspaceID)
	if err != nil {
		d.log.Warn("init cursor failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, workspaceID string, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		WorkspaceID: workspaceID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", evt.Type)
	req.Header.Set("X-Stageline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Stageline-Workspace", workspaceID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Stageline-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// signPayload returns the hex HMAC-SHA256 of body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches exact event types or "prefix.*" patterns.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, t := range types {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case t == "*":
			f.all = true
		case strings.HasSuffix(t, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(t, "*"))
		default:
			f.set[t] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
