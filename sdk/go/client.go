package reqlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reqline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id; servers without required auth record it on audit events.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Deadline is a numeric time constraint found in a requirement.
type Deadline struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

// Parsed is the structured reading of a requirement.
type Parsed struct {
	Actions   []string   `json:"actions"`
	Deadlines []Deadline `json:"deadlines"`
	Entities  []string   `json:"entities"`
}

// Operation is one synthesized HTTP operation.
type Operation struct {
	Description string                       `json:"description"`
	Responses   map[string]map[string]string `json:"responses"`
}

// APISpec is the synthesized API description.
type APISpec struct {
	OpenAPI string `json:"openapi"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Title string                          `json:"title"`
	Paths map[string]map[string]Operation `json:"paths"`
}

// Result is the pipeline output.
type Result struct {
	Parsed    Parsed   `json:"parsed"`
	Conflicts []string `json:"conflicts"`
	API       APISpec  `json:"api"`
}

// ScenarioCounts summarizes one scenario file.
type ScenarioCounts struct {
	Parsed    int `json:"parsed"`
	Conflicts int `json:"conflicts"`
	APIPaths  int `json:"api_paths"`
}

// Run is a recorded pipeline run (list form).
type Run struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Actions   []string `json:"actions"`
	Conflicts int      `json:"conflicts"`
	APIPaths  int      `json:"api_paths"`
	CreatedAt string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Run analyzes text. A non-empty sessionID merges the result into that session.
func (c *Client) Run(ctx context.Context, text, sessionID string) (Result, error) {
	body := map[string]any{"text": text}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.path("pipeline"), body, &resp)
	return resp, err
}

// GetSession returns the session record.
func (c *Client) GetSession(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.path("sessions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SetSession replaces the session record.
func (c *Client) SetSession(ctx context.Context, id string, rec map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPut, c.path("sessions/"+url.PathEscape(id)), rec, &resp)
	return resp, err
}

// MergeSession overwrites top-level keys and returns the merged record.
func (c *Client) MergeSession(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPatch, c.path("sessions/"+url.PathEscape(id)), partial, &resp)
	return resp, err
}

// ListSessions returns known session ids.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, c.path("sessions"), nil, &resp)
	return resp.Sessions, err
}

// RunScenarios runs the server's scenario directory.
func (c *Client) RunScenarios(ctx context.Context) (map[string]ScenarioCounts, error) {
	var resp struct {
		Summary map[string]ScenarioCounts `json:"summary"`
	}
	err := c.do(ctx, http.MethodGet, c.path("scenarios/run"), nil, &resp)
	return resp.Summary, err
}

// Runs lists recent runs, optionally for one session.
func (c *Client) Runs(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.path("runs")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.path("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
