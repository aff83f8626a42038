package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/h1v3-io/holdline/internal/connector"
	"github.com/h1v3-io/holdline/internal/fanout"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// EventSource hands out fan-out subscriptions. *fanout.Hub implements it.
type EventSource interface {
	Subscribe() *fanout.Subscription
	Unsubscribe(*fanout.Subscription)
}

// Target is one chat that receives ticket notifications.
type Target struct {
	Connector connector.Connector
	ChatID    string
}

// resubscribeDelay is how long Run waits before replacing a pruned
// subscription.
const resubscribeDelay = time.Second

// Notifier posts ticket lifecycle events to operator chats.
type Notifier struct {
	src     EventSource
	targets []Target
	logger  *slog.Logger
}

// NewNotifier creates a notifier over src.
func NewNotifier(src EventSource, targets []Target, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{src: src, targets: targets, logger: logger.With("component", "notify")}
}

// Run delivers notifications until ctx is cancelled. A subscription pruned
// by the hub for falling behind is replaced; events missed meanwhile are
// not replayed.
func (n *Notifier) Run(ctx context.Context) error {
	if len(n.targets) == 0 {
		n.logger.Info("no notification targets configured")
		<-ctx.Done()
		return ctx.Err()
	}
	n.logger.Info("notifier started", "targets", len(n.targets))

	for {
		sub := n.src.Subscribe()
		err := n.drain(ctx, sub)
		n.src.Unsubscribe(sub)
		if err != nil {
			return err
		}
		n.logger.Warn("subscription pruned, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

// drain returns nil when the subscription closes and ctx.Err() on cancel.
func (n *Notifier) drain(ctx context.Context, sub *fanout.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note, ok := <-sub.C:
			if !ok {
				return nil
			}
			n.deliver(ctx, note)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, note fanout.Notification) {
	var t protocol.Ticket
	if err := json.Unmarshal(note.Data, &t); err != nil {
		n.logger.Warn("undecodable notification", "event", note.Event, "seq", note.Seq, "error", err)
		return
	}
	text := Format(note.Event, &t)
	if text == "" {
		return
	}
	for _, tgt := range n.targets {
		msg := connector.OutboundMessage{ChatID: tgt.ChatID, Text: text}
		if err := tgt.Connector.Send(ctx, msg); err != nil {
			n.logger.Warn("notification send failed",
				"connector", tgt.Connector.Name(),
				"chat_id", tgt.ChatID,
				"ticket", t.ID,
				"error", err,
			)
		}
	}
}

// Format renders a ticket event for chat. Events that operators do not act on
// render as "".
func Format(event string, t *protocol.Ticket) string {
	switch event {
	case resolution.EventTicketCreated:
		if t.Kind != protocol.KindApproval {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Approval needed: %s\n%s\n", t.ID, t.Description)
		fmt.Fprintf(&b, "Reply /approve %s or /reject %s", t.ID, t.ID)
		return b.String()
	case resolution.EventTicketUpdated:
		if t.Status == protocol.StatusRunning {
			return ""
		}
		return fmt.Sprintf("%s %s: %s", t.ID, t.Status, truncate(t.Description, 80))
	}
	return ""
}

// describe renders a ticket for /status.
func describe(t *protocol.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) is %s\n%s", t.ID, t.Kind, t.Status, t.Description)
	if len(t.Result) > 0 {
		fmt.Fprintf(&b, "\nresult: %s", t.Result)
	}
	fmt.Fprintf(&b, "\nupdated %s", t.UpdatedAt.UTC().Format(time.RFC3339))
	return b.String()
}
