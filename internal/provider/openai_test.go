package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

func TestChat_TextReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing auth header")
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "small-model" || req.MaxTokens != 256 {
			t.Errorf("model = %q, max_tokens = %d", req.Model, req.MaxTokens)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "Hi" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "Hello!"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "small-model", MaxTokens: 256})
	got, err := p.Chat(context.Background(), protocol.ChatRequest{Messages: []protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: "be brief"},
		{Role: protocol.RoleUser, Content: "Hi"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "Hello!" || got.HasToolCalls() {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestChat_ToolCallsRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "request_approval" {
			t.Errorf("tools = %+v", req.Tools)
		}
		// The previous assistant turn is sent back with string-encoded arguments.
		prev := req.Messages[1]
		if len(prev.ToolCalls) != 1 || prev.ToolCalls[0].Function.Arguments != `{"description":"refund"}` {
			t.Errorf("assistant turn = %+v", prev)
		}
		if req.Messages[2].ToolCallID != "call_0" {
			t.Errorf("tool turn = %+v", req.Messages[2])
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"request_approval","arguments":"{\"description\":\"refund $150\"}"}},
			{"id":"call_2","type":"function","function":{"name":"check_ticket","arguments":"not json"}}
		]}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL})
	got, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{
			{Role: protocol.RoleUser, Content: "refund"},
			{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "call_0", Name: "request_approval", Arguments: map[string]any{"description": "refund"}}}},
			{Role: protocol.RoleTool, ToolCallID: "call_0", Name: "request_approval", Content: `{"status":"rejected"}`},
		},
		Tools: []protocol.ToolDefinition{protocol.FunctionTool("request_approval", "ask", map[string]any{"type": "object"})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(got.ToolCalls))
	}
	if got.ToolCalls[0].ID != "call_1" || got.ToolCalls[0].Arguments["description"] != "refund $150" {
		t.Errorf("first call = %+v", got.ToolCalls[0])
	}
	if got.ToolCalls[1].Arguments["_raw"] != "not json" {
		t.Errorf("malformed arguments should be kept raw, got %+v", got.ToolCalls[1].Arguments)
	}
}

func TestChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(Config{BaseURL: srv.URL}).Chat(context.Background(), protocol.ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Message != "slow down" || !apiErr.Temporary() {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOpenAI(Config{BaseURL: srv.URL}).Chat(context.Background(), protocol.ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
