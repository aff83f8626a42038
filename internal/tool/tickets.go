package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Issuer mints tickets. *issuer.Issuer implements it.
type Issuer interface {
	Issue(ctx context.Context, req issuer.Request) (issuer.Receipt, error)
}

// TicketGetter reads tickets. Both *resolution.Service and *client.Client
// implement it.
type TicketGetter interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
}

// --- RequestApprovalTool ---

// RequestApprovalTool asks a human to approve an action. The call returns a
// pending receipt at once; the decision arrives later as a resumption.
type RequestApprovalTool struct {
	Issuer Issuer
}

func (t *RequestApprovalTool) Name() string      { return "request_approval" }
func (t *RequestApprovalTool) LongRunning() bool { return true }
func (t *RequestApprovalTool) Description() string {
	return "Ask a human operator to approve an action. Returns a pending ticket; the decision is delivered when it is made."
}
func (t *RequestApprovalTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "minLength": 1, "description": "What needs approval, with the details the approver needs (amounts, targets)"},
		},
		"required":             []string{"description"},
		"additionalProperties": false,
	}
}

func (t *RequestApprovalTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	rcpt, err := t.Issuer.Issue(ctx, issuer.Request{
		Kind:        protocol.KindApproval,
		Description: strings.TrimSpace(getString(params, "description")),
		Correlation: CallFromContext(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("request_approval: %w", err)
	}
	return receiptJSON(rcpt)
}

// --- StartJobTool ---

// StartJobTool hands work to an external job runner.
type StartJobTool struct {
	Issuer Issuer
}

func (t *StartJobTool) Name() string      { return "start_job" }
func (t *StartJobTool) LongRunning() bool { return true }
func (t *StartJobTool) Description() string {
	return "Start a long-running job (for example code execution). Returns a pending ticket; the job result is delivered when it finishes."
}
func (t *StartJobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "minLength": 1, "description": "What the job does"},
			"action":      map[string]any{"type": "string", "minLength": 1, "description": "Runner action name"},
			"inputs":      map[string]any{"type": "object", "description": "Optional action inputs"},
		},
		"required":             []string{"description", "action"},
		"additionalProperties": false,
	}
}

func (t *StartJobTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	meta := map[string]any{"action": getString(params, "action")}
	if inputs := getMap(params, "inputs"); inputs != nil {
		meta["inputs"] = protocol.CloneMap(inputs)
	}
	rcpt, err := t.Issuer.Issue(ctx, issuer.Request{
		Kind:        protocol.KindJob,
		Description: strings.TrimSpace(getString(params, "description")),
		Correlation: CallFromContext(ctx),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("start_job: %w", err)
	}
	return receiptJSON(rcpt)
}

// --- CheckTicketTool ---

// CheckTicketTool lets the agent look up a ticket explicitly, for example
// after a resumption reported resolved=false.
type CheckTicketTool struct {
	Tickets TicketGetter
}

func (t *CheckTicketTool) Name() string        { return "check_ticket" }
func (t *CheckTicketTool) Description() string { return "Look up the current status of a ticket" }
func (t *CheckTicketTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_id": map[string]any{"type": "string", "minLength": 1, "description": "Ticket ID"},
		},
		"required": []string{"ticket_id"},
	}
}

func (t *CheckTicketTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id := getString(params, "ticket_id")
	tk, err := t.Tickets.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("check_ticket: %w", err)
	}
	out := map[string]any{
		"ticket_id":   tk.ID,
		"ticket_kind": tk.Kind,
		"status":      tk.Status,
		"resolved":    tk.Resolved(),
	}
	if len(tk.Result) > 0 {
		out["result"] = tk.Result
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("check_ticket: %w", err)
	}
	return string(data), nil
}

func receiptJSON(r issuer.Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
