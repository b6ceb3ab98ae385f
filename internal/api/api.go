// Package api provides the HTTP client for the Candor backend. It carries
// the bearer token, opens token-stream requests, and delivers the
// best-effort stop signal. Ordinary CRUD endpoints are out of scope here;
// this client only serves the real-time layer.
package api

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

// Client provides HTTP methods for the Candor backend API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiPrefix  string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithAPIPrefix sets the API prefix. Default is "/api".
func WithAPIPrefix(prefix string) Option {
	return func(client *Client) {
		client.apiPrefix = prefix
	}
}

// WithBearerToken attaches an opaque bearer token to every request.
func WithBearerToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// New creates a client for the backend at baseURL
// (e.g. "https://candor.example.com").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiPrefix: "/api",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// apiURL builds a full API URL with the prefix.
func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// EventsURL returns the push-channel WebSocket URL, with the http(s)
// scheme rewritten to ws(s).
func (c *Client) EventsURL() string {
	u := c.baseURL + c.apiPrefix + "/events/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// BearerHeader returns the headers to attach to the push-channel handshake.
func (c *Client) BearerHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// ChatRequest is the body of a token-stream request.
type ChatRequest struct {
	// Message is the user prompt.
	Message string `json:"message"`
	// SessionID is the locally-held session hint; zero for a new
	// conversation. The id in the server's start frame is authoritative.
	SessionID int64 `json:"session_id,omitempty"`
}

// OpenStream opens a token-stream request and returns the response body.
// The caller owns the body and must close it; cancelling ctx aborts the
// read mid-stream. The response is framed as newline-delimited
// "data: {json}" blocks (see internal/stream).
func (c *Client) OpenStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/chat/stream"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	// The stream outlives any client-level timeout; use a client without
	// one for this request only.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}

// StopGeneration asks the server to stop generating for the session.
// Best effort: the caller has already aborted the local read, so any
// failure here is logged and ignored.
func (c *Client) StopGeneration(ctx context.Context, sessionID int64) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL(fmt.Sprintf("/chat/%d/stop", sessionID)), nil)
	if err != nil {
		return fmt.Errorf("stop generation: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stop generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stop generation: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// NotificationSnapshot is the initial notification state fetched when a
// leader connects, so reconnection resumes from current server-side state.
type NotificationSnapshot struct {
	UnreadCount         int               `json:"unread_count"`
	Items               []json.RawMessage `json:"items"`
	ModerationQueueSize int               `json:"moderation_queue_size"`
}

// FetchNotifications returns the current server-side notification state.
func (c *Client) FetchNotifications(ctx context.Context) (*NotificationSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/notifications"), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch notifications: status %d: %s", resp.StatusCode, string(respBody))
	}

	var snap NotificationSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("fetch notifications: decode: %w", err)
	}
	return &snap, nil
}

// MarkNotificationRead reports a read receipt to the server.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL("/notifications/"+url.PathEscape(id)+"/read"), nil)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mark read: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
