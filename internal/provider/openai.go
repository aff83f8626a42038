// Package provider talks to OpenAI-compatible chat completion endpoints
// (OpenAI, OpenRouter, Groq, a local vLLM or Ollama server).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Defaults applied by NewOpenAI.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 2 * time.Minute
)

// Config configures an OpenAI-compatible provider.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// OpenAI implements the agent's Provider over /chat/completions.
type OpenAI struct {
	http *http.Client
	cfg  Config
}

// Option configures an OpenAI provider.
type Option func(*OpenAI)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAI) { p.http = c }
}

// NewOpenAI creates a provider. Zero config fields take defaults.
func NewOpenAI(cfg Config, opts ...Option) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &OpenAI{http: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAI) Name() string { return "openai:" + p.cfg.Model }

// Chat sends one round of the conversation and returns the first choice.
func (p *OpenAI) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	body := completionRequest{
		Model:    p.cfg.Model,
		Messages: make([]wireMessage, 0, len(req.Messages)),
		Tools:    req.Tools,
	}
	if p.cfg.MaxTokens > 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	for _, m := range req.Messages {
		wm, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		body.Messages = append(body.Messages, wm)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("provider: response has no choices")
	}
	return decodeMessage(out.Choices[0].Message), nil
}

// --- Wire format ---

type completionRequest struct {
	Model     string                    `json:"model"`
	Messages  []wireMessage             `json:"messages"`
	Tools     []protocol.ToolDefinition `json:"tools,omitempty"`
	MaxTokens int                       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []wireCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// wireCall carries arguments as a JSON-encoded string.
type wireCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func encodeMessage(m protocol.ChatMessage) (wireMessage, error) {
	wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			return wireMessage{}, fmt.Errorf("provider: encode arguments of %s: %w", tc.Name, err)
		}
		var wc wireCall
		wc.ID = tc.ID
		wc.Type = "function"
		wc.Function.Name = tc.Name
		wc.Function.Arguments = string(args)
		wm.ToolCalls = append(wm.ToolCalls, wc)
	}
	return wm, nil
}

// decodeMessage converts a reply. Arguments that are not a JSON object are
// kept under "_raw" so the tool's schema check reports them.
func decodeMessage(wm wireMessage) *protocol.ChatResponse {
	resp := &protocol.ChatResponse{Content: wm.Content}
	for _, wc := range wm.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil || args == nil {
			args = map[string]any{"_raw": wc.Function.Arguments}
		}
		resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCall{ID: wc.ID, Name: wc.Function.Name, Arguments: args})
	}
	return resp
}

func errorMessage(raw []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
