// Package connector defines the chat platforms operators use to see pending
// tickets and resolve them.
package connector

import "context"

// Connector is the interface for external messaging platforms (Telegram, Slack, etc.).
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the external platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a plain-text message sent to a chat.
type OutboundMessage struct {
	ChatID string // Platform-specific chat identifier
	Text   string
}

// InboundMessage is a message received from an external platform.
type InboundMessage struct {
	Channel  string // Connector name (e.g., "telegram")
	SenderID string // Platform-specific sender identifier
	ChatID   string // Platform-specific chat identifier
	Text     string
}

// Sender returns "channel:sender", the form recorded in resolution results.
func (m InboundMessage) Sender() string {
	return m.Channel + ":" + m.SenderID
}

// InboundHandler processes an inbound message and returns the reply to post
// back to the same chat. An empty reply sends nothing.
type InboundHandler func(ctx context.Context, msg InboundMessage) (reply string, err error)
