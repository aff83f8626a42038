// Package notify connects chat platforms to the ticket lifecycle: it posts
// new and resolved tickets to operator chats and turns chat commands into
// resolutions.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/holdline/internal/connector"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// TicketService is what chat commands need from the resolution layer.
type TicketService interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
	Resolve(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error)
}

const pendingListLimit = 20

const helpText = `Commands:
/pending - list tickets waiting for a decision
/status <ticket> - show a ticket
/approve <ticket> [note] - approve a request
/reject <ticket> [note] - reject a request`

// Commands turns chat commands into ticket queries and resolutions.
type Commands struct {
	svc TicketService
}

// NewCommands creates a command handler over svc.
func NewCommands(svc TicketService) *Commands {
	return &Commands{svc: svc}
}

// decision is stored as the ticket result when a chat user resolves it.
type decision struct {
	By   string `json:"by"`
	Note string `json:"note,omitempty"`
}

// Handle implements connector.InboundHandler. Text that is not a command
// gets no reply.
func (c *Commands) Handle(ctx context.Context, msg connector.InboundMessage) (string, error) {
	verb, args, ok := parseCommand(msg.Text)
	if !ok {
		return "", nil
	}

	switch verb {
	case "help", "start":
		return helpText, nil
	case "pending":
		return c.pending(ctx)
	case "status":
		if len(args) == 0 {
			return "Usage: /status <ticket>", nil
		}
		return c.status(ctx, args[0])
	case "approve":
		return c.decide(ctx, msg, protocol.StatusApproved, args)
	case "reject":
		return c.decide(ctx, msg, protocol.StatusRejected, args)
	default:
		return fmt.Sprintf("Unknown command %q.\n\n%s", verb, helpText), nil
	}
}

func (c *Commands) pending(ctx context.Context) (string, error) {
	tickets, err := c.svc.List(ctx, ticket.Filter{Status: protocol.StatusPending, Limit: pendingListLimit})
	if err != nil {
		return "", fmt.Errorf("notify: list pending: %w", err)
	}
	if len(tickets) == 0 {
		return "Nothing is waiting.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(tickets))
	for _, t := range tickets {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.ID, t.Kind, truncate(t.Description, 80))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Commands) status(ctx context.Context, id string) (string, error) {
	t, err := c.svc.Get(ctx, id)
	if errors.Is(err, ticket.ErrNotFound) {
		return fmt.Sprintf("No ticket %s.", id), nil
	}
	if err != nil {
		return "", fmt.Errorf("notify: get %s: %w", id, err)
	}
	return describe(t), nil
}

func (c *Commands) decide(ctx context.Context, msg connector.InboundMessage, status protocol.Status, args []string) (string, error) {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: /%s <ticket> [note]", verbFor(status)), nil
	}
	id := args[0]
	result, err := json.Marshal(decision{By: msg.Sender(), Note: strings.Join(args[1:], " ")})
	if err != nil {
		return "", fmt.Errorf("notify: encode decision: %w", err)
	}

	t, err := c.svc.Resolve(ctx, id, status, result)
	switch {
	case err == nil:
		return fmt.Sprintf("%s is now %s.", t.ID, t.Status), nil
	case errors.Is(err, ticket.ErrNotFound):
		return fmt.Sprintf("No ticket %s.", id), nil
	case errors.Is(err, ticket.ErrConflict), errors.Is(err, ticket.ErrInvalidTransition):
		if cur, getErr := c.svc.Get(ctx, id); getErr == nil {
			return fmt.Sprintf("%s was already %s.", id, cur.Status), nil
		}
		return fmt.Sprintf("%s was already resolved.", id), nil
	case errors.Is(err, resolution.ErrInvalidStatus):
		return fmt.Sprintf("%s is not an approval and cannot be %s from chat.", id, status), nil
	default:
		return "", fmt.Errorf("notify: resolve %s: %w", id, err)
	}
}

// parseCommand splits "/approve id note" or "approve id note" into verb and
// args. A leading slash is optional so Slack slash-command text parses the
// same way; without one only known verbs count as commands.
func parseCommand(text string) (verb string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	first := fields[0]
	slashed := strings.HasPrefix(first, "/")
	first = strings.TrimPrefix(first, "/")
	if at := strings.IndexByte(first, '@'); at >= 0 {
		first = first[:at]
	}
	verb = strings.ToLower(first)
	if verb == "" {
		return "", nil, false
	}
	if !slashed {
		switch verb {
		case "help", "pending", "status", "approve", "reject":
		default:
			return "", nil, false
		}
	}
	return verb, fields[1:], true
}

func verbFor(s protocol.Status) string {
	if s == protocol.StatusRejected {
		return "reject"
	}
	return "approve"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
