// Package relay carries typed envelopes over named pub/sub channels.
//
// A Transport moves opaque bytes (Redis Pub/Sub, Postgres LISTEN/NOTIFY or an
// in-process bus), a Codec turns envelopes into those bytes, and a Publisher
// routes each envelope to the channel for its type. The Consumer subscribes,
// decodes and dispatches, reconnecting with exponential backoff.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

// ErrClosed is returned by a transport or subscription after Close.
var ErrClosed = errors.New("relay: closed")

// Message is one delivery on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Transport is a pub/sub bus.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe returns once the subscription is active on every channel.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// Subscription is an active subscription. Receive returns an error when the
// underlying connection is lost; the subscription is then unusable.
type Subscription interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Channels names the channel used for each envelope type.
type Channels struct {
	Approval string `json:"approval"`
	Job      string `json:"job"`
	Status   string `json:"status"`
}

// DefaultChannels returns the standard channel names.
func DefaultChannels() Channels {
	return Channels{
		Approval: "approval:requests",
		Job:      "code_interpreter:actions",
		Status:   "tickets:status",
	}
}

// For returns the channel for an envelope type.
func (c Channels) For(typ string) (string, error) {
	switch typ {
	case protocol.TypeApprovalRequest:
		return c.Approval, nil
	case protocol.TypeJobRequest:
		return c.Job, nil
	case protocol.TypeTicketStatus:
		return c.Status, nil
	}
	return "", fmt.Errorf("relay: no channel for envelope type %q", typ)
}

// All returns every configured channel name.
func (c Channels) All() []string {
	return []string{c.Approval, c.Job, c.Status}
}

// Publisher encodes envelopes and publishes them on the channel for their type.
type Publisher struct {
	transport Transport
	codec     Codec
	channels  Channels
}

// NewPublisher creates a Publisher. A nil codec means JSON.
func NewPublisher(t Transport, codec Codec, channels Channels) *Publisher {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Publisher{transport: t, codec: codec, channels: channels}
}

// Publish sends env on its type's channel.
func (p *Publisher) Publish(ctx context.Context, env protocol.Envelope) error {
	channel, err := p.channels.For(env.Type)
	if err != nil {
		return err
	}
	data, err := p.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", env.ID, err)
	}
	if err := p.transport.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("relay: publish %s on %s: %w", env.ID, channel, err)
	}
	return nil
}
