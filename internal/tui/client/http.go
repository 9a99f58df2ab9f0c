package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hooklight/hooklight/internal/session"
)

// HTTPClient makes REST calls to the hooklight query API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8787").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WSURL derives the subscription URL from the base URL.
func (c *HTTPClient) WSURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + "/ws"
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// GetStats fetches /api/stats.
func (c *HTTPClient) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.get(ctx, "/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessions fetches /api/sessions.
func (c *HTTPClient) GetSessions(ctx context.Context, activeOnly bool, limit int) ([]*session.Session, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*session.Session
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches /api/sessions/{id}.
func (c *HTTPClient) GetSession(ctx context.Context, id string) (*session.Detail, error) {
	var d session.Detail
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetSessionConfig fetches /api/sessions/{id}/config.
func (c *HTTPClient) GetSessionConfig(ctx context.Context, id string) (*ConfigView, error) {
	var v ConfigView
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id)+"/config", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetHealth fetches /health. A 503 still carries a body worth reading.
func (c *HTTPClient) GetHealth(ctx context.Context) (*Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	var se *StatusError
	if err != nil && !(errors.As(err, &se) && se.Code == http.StatusServiceUnavailable && h.Status != "") {
		return nil, err
	}
	return &h, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.Path, e.Code, e.Body)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusServiceUnavailable {
			// Health reports its details alongside the failure status.
			_ = json.Unmarshal(body, out)
		}
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
