package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client scoped to one workspace.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Stage       string         `json:"stage"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Check struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

// CriteriaResult is the graduation check for a work item's current stage.
type CriteriaResult struct {
	WorkItemID      string  `json:"work_item_id"`
	Stage           string  `json:"stage"`
	CanGraduate     bool    `json:"can_graduate"`
	Enforced        bool    `json:"enforced"`
	Checks          []Check `json:"checks"`
	OverrideAllowed bool    `json:"override_allowed"`
	QualityScore    float64 `json:"quality_score"`
}

type Transition struct {
	ID        string `json:"id"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind"`
	Forced    bool   `json:"forced"`
}

type TransitionResult struct {
	WorkItem WorkItem   `json:"work_item"`
	Event    Transition `json:"transition"`
	Decision struct {
		Allowed    bool   `json:"allowed"`
		Reason     string `json:"reason"`
		Overridden bool   `json:"overridden"`
	} `json:"decision"`
}

type Document struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
}

type Signal struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Status      string    `json:"status"`
	Severity    string    `json:"severity"`
	Source      string    `json:"source,omitempty"`
}

type Cluster struct {
	ID              string   `json:"id"`
	Theme           string   `json:"theme"`
	MemberIDs       []string `json:"member_ids"`
	Severity        string   `json:"severity"`
	Confidence      float64  `json:"confidence"`
	SuggestedAction string   `json:"suggested_action"`
}

type AutomationSettings struct {
	Depth               string  `json:"depth"`
	InitiativeThreshold int     `json:"initiative_threshold"`
	DocThreshold        int     `json:"doc_threshold"`
	MinConfidence       float64 `json:"min_confidence"`
	MinSeverity         string  `json:"min_severity,omitempty"`
	CooldownMinutes     int     `json:"cooldown_minutes"`
	MaxActionsPerDay    int     `json:"max_actions_per_day"`
}

// Evaluation is the outcome of one automation pass.
type Evaluation struct {
	WorkspaceID      string `json:"workspace_id"`
	Depth            string `json:"depth"`
	ClustersChecked  int    `json:"clusters_checked"`
	ActionsTriggered []struct {
		ClusterID  string `json:"cluster_id"`
		Type       string `json:"type"`
		WorkItemID string `json:"work_item_id,omitempty"`
		JobID      string `json:"job_id,omitempty"`
	} `json:"actions_triggered"`
	Skipped []struct {
		ClusterID string `json:"cluster_id"`
		Reason    string `json:"reason"`
	} `json:"skipped"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsTransitionBlocked reports whether err is a 422 blocked-transition response.
func IsTransitionBlocked(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "transition_blocked"
}

func (c *Client) CreateWorkItem(ctx context.Context, name, description string) (WorkItem, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.workspacePath("work-items"), body, &resp)
	return resp, err
}

func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) AddDocument(ctx context.Context, itemID, docType, title, content string) (Document, error) {
	body := map[string]any{"type": docType, "title": title, "content": content}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "documents"), body, &resp)
	return resp, err
}

func (c *Client) CheckCriteria(ctx context.Context, itemID string) (CriteriaResult, error) {
	var resp CriteriaResult
	err := c.do(ctx, http.MethodGet, c.itemPath(itemID, "criteria"), nil, &resp)
	return resp, err
}

// Transition moves a work item. A blocked move returns an *APIError with code
// transition_blocked; see IsTransitionBlocked.
func (c *Client) Transition(ctx context.Context, itemID, toStage, reason string, force bool) (TransitionResult, error) {
	body := map[string]any{"to_stage": toStage, "reason": reason, "force_override": force}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "transition"), body, &resp)
	return resp, err
}

func (c *Client) IngestSignal(ctx context.Context, text, severity string, embedding []float32) (Signal, error) {
	body := map[string]any{"text": text}
	if severity != "" {
		body["severity"] = severity
	}
	if len(embedding) > 0 {
		body["embedding"] = embedding
	}
	var resp Signal
	err := c.do(ctx, http.MethodPost, c.workspacePath("signals"), body, &resp)
	return resp, err
}

func (c *Client) LinkSignal(ctx context.Context, signalID, itemID, reason string) error {
	body := map[string]any{"work_item_id": itemID, "reason": reason}
	endpoint := c.workspacePath(fmt.Sprintf("signals/%s/links", url.PathEscape(signalID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) Clusters(ctx context.Context) ([]Cluster, error) {
	var resp []Cluster
	err := c.do(ctx, http.MethodGet, c.workspacePath("clusters"), nil, &resp)
	return resp, err
}

// UpdateAutomationSettings applies a partial update; keys match the JSON field names.
func (c *Client) UpdateAutomationSettings(ctx context.Context, changes map[string]any) (AutomationSettings, error) {
	var resp AutomationSettings
	err := c.do(ctx, http.MethodPut, c.workspacePath("automation/settings"), changes, &resp)
	return resp, err
}

func (c *Client) EvaluateAutomation(ctx context.Context) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.workspacePath("automation/evaluate"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.workspacePath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	ws := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", ws, strings.TrimLeft(p, "/"))
}

func (c *Client) itemPath(id, sub string) string {
	p := "work-items/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return c.workspacePath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
