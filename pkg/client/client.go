// Package client is an HTTP client for the holdline Resolution API.
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
	"time"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Errors reported for 404 and 409 responses. They match the server's own
// ticket store errors under errors.Is.
var (
	ErrNotFound = ticket.ErrNotFound
	ErrConflict = ticket.ErrConflict
)

// StatusError is an unexpected HTTP status from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Code)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Code, e.Message)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client talks to a holdline API server.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the Bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the API at baseURL (for example http://localhost:8080).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a ticket. A 404 is reported as ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	var t protocol.Ticket
	if err := c.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return &t, nil
}

// ListOptions filters List.
type ListOptions struct {
	Kind      protocol.Kind
	Status    protocol.Status
	SessionID string
	Limit     int
}

// List returns tickets matching opts, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*protocol.Ticket, error) {
	q := url.Values{}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*protocol.Ticket
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}

// Resolve applies a decision. A 409 is reported as ErrConflict.
func (c *Client) Resolve(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error) {
	body := map[string]any{"status": status}
	if len(result) > 0 {
		body["result"] = result
	}
	var t protocol.Ticket
	if err := c.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(id)+"/resolve", body, &t); err != nil {
		return nil, fmt.Errorf("resolve ticket %s: %w", id, err)
	}
	return &t, nil
}

// Start marks a job ticket running.
func (c *Client) Start(ctx context.Context, id string) (*protocol.Ticket, error) {
	var t protocol.Ticket
	if err := c.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(id)+"/start", nil, &t); err != nil {
		return nil, fmt.Errorf("start ticket %s: %w", id, err)
	}
	return &t, nil
}

// IssueRequest asks the server to mint a ticket.
type IssueRequest struct {
	Kind        protocol.Kind  `json:"kind"`
	Description string         `json:"description"`
	SessionID   string         `json:"session_id,omitempty"`
	CallID      string         `json:"call_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Receipt is the server's answer to Issue.
type Receipt struct {
	Status     protocol.Status `json:"status"`
	TicketID   string          `json:"ticket_id"`
	TicketKind protocol.Kind   `json:"ticket_kind"`
}

// Issue mints a ticket through POST /api/tickets. The ticket is stored before
// the call returns, so it can be polled at once. A call id that already
// belongs to a different ticket is reported as ErrConflict.
func (c *Client) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	var r Receipt
	if err := c.do(ctx, http.MethodPost, "/api/tickets", req, &r); err != nil {
		return nil, fmt.Errorf("issue %s ticket: %w", req.Kind, err)
	}
	return &r, nil
}

// Health is the server's health report.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components,omitempty"`
}

// Health fetches /api/health. An unhealthy server still returns its report
// together with a *StatusError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h)
	if err != nil && h.Status == "" {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, err
}

// --- helpers ---

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// do sends the request and decodes the response into out. On an error status
// the body is still decoded into out when possible.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Keep the *url.Error chain so callers can detect timeouts.
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	if out != nil {
		json.Unmarshal(respBody, out)
	}
	return statusError(resp.StatusCode, respBody)
}

func statusError(code int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := string(bytes.TrimSpace(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, ticket.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, ticket.ErrConflict)
	}
	return &StatusError{Code: code, Message: msg}
}
