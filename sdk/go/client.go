package phylopacksdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal phylopack run history API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Run mirrors the API run model.
type Run struct {
	ID         string         `json:"id"`
	Input      string         `json:"input"`
	Output     string         `json:"output"`
	Scheme     string         `json:"splitting_scheme"`
	CutPoint   float64        `json:"cut_point"`
	Seed       int64          `json:"seed"`
	Target     *int           `json:"target,omitempty"`
	Status     string         `json:"status"`
	State      string         `json:"state"`
	Workspace  string         `json:"workspace"`
	Retained   bool           `json:"retained"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	ErrorKeys  []string       `json:"error_keys,omitempty"`
	StatsFile  string         `json:"stats_file,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt *string        `json:"finished_at,omitempty"`
}

// Event is one recorded state transition.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	State   string         `json:"state,omitempty"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RunQuery filters ListRuns. Zero values are omitted.
type RunQuery struct {
	Status string
	Input  string
	Limit  int
	Cursor string
}

// Health reports the server status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp map[string]string
	if err := c.do(ctx, "health", nil, &resp); err != nil {
		return "", err
	}
	return resp["status"], nil
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, q RunQuery) (PaginatedRuns, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Input != "" {
		params.Set("input", q.Input)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	var resp PaginatedRuns
	err := c.do(ctx, "runs", params, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunEvents returns a page of a run's events after cursor.
func (c *Client) RunEvents(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, "runs/"+url.PathEscape(id)+"/events", params, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
