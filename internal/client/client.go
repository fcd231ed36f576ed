// Package client talks to a running agenthub daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
)

// Error is a non-2xx response.
type Error struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("agenthub: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("agenthub: %s: %s", e.Code, e.Message)
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

func New(baseURL, apiKey string) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse daemon url: %w", err)
	}
	return &Client{
		base:   u,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) request(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &Error{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) text(ctx context.Context, path string, limit int64) ([]byte, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.FormatInt(limit, 10))
	}
	resp, err := c.request(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) ListProjects(ctx context.Context) ([]*store.Project, error) {
	var out []*store.Project
	return out, c.do(ctx, http.MethodGet, "/v1/projects", nil, &out)
}

func (c *Client) CreateProject(ctx context.Context, in session.ProjectInput) (*store.Project, error) {
	var out store.Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RebuildProject(ctx context.Context, id string) (*store.Project, error) {
	var out store.Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(id)+"/build", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BuildLog(ctx context.Context, id string, limit int64) ([]byte, error) {
	return c.text(ctx, "/v1/projects/"+url.PathEscape(id)+"/build-log", limit)
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	ProjectID   string            `json:"project_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Mounts      []store.MountSpec `json:"mounts,omitempty"`
	Env         []string          `json:"env,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*store.Session, error) {
	var out store.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context, projectID string) ([]*session.View, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	resp, err := c.request(ctx, http.MethodGet, "/v1/sessions", q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []*session.View
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*session.View, error) {
	var out session.View
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) sessionAction(ctx context.Context, id, action string) (*store.Session, error) {
	var out store.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartSession(ctx context.Context, id string) (*store.Session, error) {
	return c.sessionAction(ctx, id, "start")
}

func (c *Client) StopSession(ctx context.Context, id string) (*store.Session, error) {
	return c.sessionAction(ctx, id, "stop")
}

func (c *Client) ResetWorkspace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/reset", nil, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SessionLogs(ctx context.Context, id string, limit int64) ([]byte, error) {
	return c.text(ctx, "/v1/sessions/"+url.PathEscape(id)+"/logs", limit)
}

func (c *Client) State(ctx context.Context) (*session.State, error) {
	var out session.State
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
