package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/holdline/internal/api"
	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

func newDaemon(t *testing.T) (*httptest.Server, *resolution.Service) {
	t.Helper()
	svc := resolution.NewService(ticket.NewMemoryStore(), nil, nil)
	ts := httptest.NewServer(api.NewServer(svc, api.Config{}, nil).Handler())
	t.Cleanup(ts.Close)

	now := time.Now()
	for _, tk := range []*protocol.Ticket{
		{ID: "approval-abc123", Kind: protocol.KindApproval, Description: "Refund $150 to cust-9", CreatedAt: now, UpdatedAt: now},
		{ID: "code-interpreter-def456", Kind: protocol.KindJob, Description: "Rebuild index", CreatedAt: now, UpdatedAt: now},
	} {
		if _, err := svc.Record(context.Background(), tk); err != nil {
			t.Fatalf("seed %s: %v", tk.ID, err)
		}
	}
	return ts, svc
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTicketsList(t *testing.T) {
	ts, _ := newDaemon(t)

	out, err := run(t, "--url", ts.URL, "tickets", "list", "--kind", "approval")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "approval-abc123") {
		t.Errorf("expected approval ticket in output:\n%s", out)
	}
	if strings.Contains(out, "code-interpreter-def456") {
		t.Errorf("job ticket should be filtered out:\n%s", out)
	}
}

func TestTicketsListRejectsUnknownKind(t *testing.T) {
	ts, _ := newDaemon(t)
	if _, err := run(t, "--url", ts.URL, "tickets", "list", "--kind", "refund"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTicketsResolve(t *testing.T) {
	ts, svc := newDaemon(t)

	out, err := run(t, "--url", ts.URL, "tickets", "resolve", "approval-abc123", "approved", "-r", "looks fine")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.TrimSpace(out) != "approval-abc123 is now approved" {
		t.Errorf("unexpected output %q", out)
	}

	got, err := svc.Get(context.Background(), "approval-abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Result) != `"looks fine"` {
		t.Errorf("expected plain-text result wrapped as JSON string, got %s", got.Result)
	}

	if _, err := run(t, "--url", ts.URL, "tickets", "resolve", "approval-abc123", "rejected"); err == nil {
		t.Error("expected conflict resolving a decided approval differently")
	}
}

func TestTicketsStartThenPoll(t *testing.T) {
	ts, svc := newDaemon(t)

	if _, err := run(t, "--url", ts.URL, "tickets", "start", "code-interpreter-def456"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := run(t, "--url", ts.URL, "poll", "code-interpreter-def456", "--attempts", "1", "--interval", "10ms"); err == nil {
		t.Fatal("expected unresolved poll to fail")
	}

	if _, err := svc.Resolve(context.Background(), "code-interpreter-def456", protocol.StatusCompleted, json.RawMessage(`{"rows":42}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	out, err := run(t, "--url", ts.URL, "poll", "code-interpreter-def456", "--attempts", "2", "--interval", "2s")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var got protocol.Ticket
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode poll output: %v\n%s", err, out)
	}
	if got.Status != protocol.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestIssueOverMemoryRelay(t *testing.T) {
	t.Setenv("HOLDLINE_RELAY_DRIVER", "memory")

	out, err := run(t, "issue", "approval", "Refund", "$150", "--session", "s1", "--call", "call-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var receipt map[string]any
	if err := json.Unmarshal([]byte(out), &receipt); err != nil {
		t.Fatalf("decode receipt: %v\n%s", err, out)
	}
	if receipt["status"] != "pending" || receipt["ticket_kind"] != "approval" {
		t.Errorf("unexpected receipt %v", receipt)
	}
	if id, _ := receipt["ticket_id"].(string); !strings.HasPrefix(id, "approval-") {
		t.Errorf("expected approval- prefix, got %q", id)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jsonc")
	bad := filepath.Join(dir, "bad.jsonc")
	os.WriteFile(good, []byte(`{
		// defaults everywhere else
		"store": {"driver": "memory"},
	}`), 0o644)
	os.WriteFile(bad, []byte(`{"poll": {"max_attempts": 40}}`), 0o644)

	out, err := run(t, "config", "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "config is valid") {
		t.Errorf("unexpected output %q", out)
	}

	_, err = run(t, "config", "validate", bad)
	if err == nil || !strings.Contains(err.Error(), "poll.max_attempts") {
		t.Errorf("expected poll.max_attempts violation, got %v", err)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{`{"ok":true}`, `{"ok":true}`},
		{"42", "42"},
		{"ship it", `"ship it"`},
	}
	for _, tt := range tests {
		got, err := parseResult(tt.in)
		if err != nil {
			t.Fatalf("parseResult(%q): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("parseResult(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// approvingPublisher stands in for the relay and an operator who approves
// every request as soon as it is announced.
type approvingPublisher struct {
	svc *resolution.Service
}

func (p approvingPublisher) Publish(ctx context.Context, env protocol.Envelope) error {
	var req protocol.RequestPayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	_, err := p.svc.Resolve(ctx, req.TicketID, protocol.StatusApproved, json.RawMessage(`"ok by ops"`))
	return err
}

func TestRunResumesWithApproval(t *testing.T) {
	svc := resolution.NewService(ticket.NewMemoryStore(), nil, nil)
	iss := issuer.New(approvingPublisher{svc: svc}, issuer.Config{Recorder: svc})
	daemon := httptest.NewServer(api.NewServer(svc, api.Config{}, nil, api.WithIssuer(iss)).Handler())
	defer daemon.Close()

	var rounds int
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role       string `json:"role"`
				Content    string `json:"content"`
				ToolCallID string `json:"tool_call_id"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		rounds++
		if rounds == 1 {
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"request_approval","arguments":"{\"description\":\"refund $150\"}"}}
			]}}]}`))
			return
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call_1" || !strings.Contains(last.Content, "approved") {
			t.Errorf("expected the approval outcome as the tool result, got %+v", last)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Refund approved."}}]}`))
	}))
	defer llm.Close()

	out, err := run(t, "--url", daemon.URL, "run", "--llm-url", llm.URL, "--session", "s1",
		"--attempts", "3", "--interval", "1s", "refund", "the", "customer")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "Refund approved." {
		t.Errorf("unexpected output %q", out)
	}
	if rounds != 2 {
		t.Errorf("expected 2 model rounds, got %d", rounds)
	}

	id := "approval-" + issuer.CorrelationSuffix(protocol.Correlation{SessionID: "s1", CallID: "call_1"})
	tk, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if tk.Status != protocol.StatusApproved || tk.Correlation.CallID != "call_1" {
		t.Errorf("unexpected ticket %+v", tk)
	}
}
