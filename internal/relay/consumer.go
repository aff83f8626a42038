package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/clock"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// ErrReconnectExhausted is returned by Consumer.Run when every reconnect
// attempt has failed.
var ErrReconnectExhausted = errors.New("relay: reconnect attempts exhausted")

// Backoff configures consumer reconnects. Attempt n that fails is followed by
// a wait of Base × 2^(n−1).
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s across five attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxAttempts: 5}
}

// Delay returns the wait after failed attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return b.Base << (n - 1)
}

// HealthState is the consumer's connection state.
type HealthState string

const (
	StateConnecting   HealthState = "connecting"
	StateConnected    HealthState = "connected"
	StateReconnecting HealthState = "reconnecting"
	StateFailed       HealthState = "failed"
)

// Health is a snapshot of the consumer's connection.
type Health struct {
	State     HealthState `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
}

// Healthy reports whether the consumer can still make progress.
func (h Health) Healthy() bool { return h.State != StateFailed }

// Handler processes one decoded envelope.
type Handler func(ctx context.Context, env protocol.Envelope) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Channels []string
	Codec    Codec
	Backoff  Backoff
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Consumer subscribes to relay channels and dispatches envelopes by type.
type Consumer struct {
	transport Transport
	channels  []string
	codec     Codec
	backoff   Backoff
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	health   Health

	consumed metric.Int64Counter
	failed   metric.Int64Counter
}

// NewConsumer creates a Consumer. Zero config fields take defaults.
func NewConsumer(t Transport, cfg ConsumerConfig) *Consumer {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = DefaultBackoff().Base
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = DefaultBackoff().MaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels().All()
	}

	meter := otel.Meter("github.com/h1v3-io/holdline/internal/relay")
	consumed, _ := meter.Int64Counter("holdline.relay.consumed",
		metric.WithDescription("Envelopes dispatched by the relay consumer"))
	failed, _ := meter.Int64Counter("holdline.relay.failed",
		metric.WithDescription("Envelopes that could not be decoded or handled"))

	return &Consumer{
		transport: t,
		channels:  cfg.Channels,
		codec:     cfg.Codec,
		backoff:   cfg.Backoff,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "relay"),
		handlers:  make(map[string]Handler),
		health:    Health{State: StateConnecting},
		consumed:  consumed,
		failed:    failed,
	}
}

// Handle registers h for envelopes of type typ, replacing any previous handler.
func (c *Consumer) Handle(typ string, h Handler) {
	c.mu.Lock()
	c.handlers[typ] = h
	c.mu.Unlock()
}

// Health returns the current connection state.
func (c *Consumer) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Run consumes until ctx is cancelled (returning nil) or reconnects are
// exhausted (returning ErrReconnectExhausted).
//
// A subscription that drops before delivering anything and before Base has
// elapsed counts as a failed attempt, so a connection that is accepted and
// then immediately killed still backs off and eventually gives up.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("relay consumer starting", "channels", c.channels, "codec", c.codec.Name())
	failures := 0
	for {
		sub, err := c.transport.Subscribe(ctx, c.channels...)
		if err == nil {
			if failures > 0 {
				c.logger.Info("relay reconnected", "attempts", failures+1)
			}
			c.setHealth(StateConnected, 0, nil)

			started := c.clock.Now()
			var delivered bool
			delivered, err = c.consume(ctx, sub)
			sub.Close()
			if ctx.Err() != nil {
				c.logger.Info("relay consumer stopped")
				return nil
			}
			if delivered || c.clock.Now().Sub(started) >= c.backoff.Base {
				// The session was healthy: reconnect at once with a fresh budget.
				c.logger.Warn("relay connection lost", "error", err)
				c.setHealth(StateReconnecting, 0, err)
				failures = 0
				continue
			}
		} else if ctx.Err() != nil {
			return nil
		}

		failures++
		if failures >= c.backoff.MaxAttempts {
			c.setHealth(StateFailed, failures, err)
			c.logger.Error("relay reconnect exhausted", "attempts", failures, "error", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err)
		}

		delay := c.backoff.Delay(failures)
		c.setHealth(StateReconnecting, failures, err)
		c.logger.Warn("relay subscribe failed", "attempt", failures, "retry_in", delay, "error", err)

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume dispatches until Receive fails. delivered reports whether at least
// one message arrived.
func (c *Consumer) consume(ctx context.Context, sub Subscription) (delivered bool, err error) {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return delivered, err
		}
		delivered = true
		c.dispatch(ctx, msg)
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg Message) {
	env, err := c.codec.Decode(msg.Payload)
	if err != nil {
		c.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "decode")))
		c.logger.Warn("malformed envelope skipped", "channel", msg.Channel, "error", err)
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("unknown envelope type skipped", "channel", msg.Channel, "type", env.Type, "envelope", env.ID)
		return
	}

	if err := h(ctx, env); err != nil {
		c.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "handler")))
		c.logger.Error("envelope handler failed", "type", env.Type, "envelope", env.ID, "error", err)
		return
	}
	c.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
}

func (c *Consumer) setHealth(state HealthState, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.State = state
	c.health.Attempts = attempts
	if err != nil {
		c.health.LastError = err.Error()
	} else if state == StateConnected {
		c.health.LastError = ""
	}
}

// Resolver is the part of the resolution service the consumer drives.
type Resolver interface {
	Record(ctx context.Context, t *protocol.Ticket) (bool, error)
	Resolve(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error)
	MarkRunning(ctx context.Context, id string) (*protocol.Ticket, error)
}

// HandleTickets registers the standard handlers: request envelopes are
// recorded, status envelopes are applied.
func (c *Consumer) HandleTickets(r Resolver) {
	record := func(ctx context.Context, env protocol.Envelope) error {
		var p protocol.RequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.TicketID == "" {
			return fmt.Errorf("envelope %s: missing ticket_id", env.ID)
		}
		if p.Kind == "" {
			p.Kind = kindForType(env.Type)
		}
		_, err := r.Record(ctx, p.Ticket())
		return err
	}
	c.Handle(protocol.TypeApprovalRequest, record)
	c.Handle(protocol.TypeJobRequest, record)

	c.Handle(protocol.TypeTicketStatus, func(ctx context.Context, env protocol.Envelope) error {
		var p protocol.StatusPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		var err error
		if p.Status == protocol.StatusRunning {
			_, err = r.MarkRunning(ctx, p.TicketID)
		} else {
			_, err = r.Resolve(ctx, p.TicketID, p.Status, p.Result)
		}
		if errors.Is(err, ticket.ErrConflict) {
			c.logger.Warn("status update conflicts with resolved ticket", "ticket", p.TicketID, "status", p.Status)
			return nil
		}
		return err
	})
}

func kindForType(typ string) protocol.Kind {
	if typ == protocol.TypeJobRequest {
		return protocol.KindJob
	}
	return protocol.KindApproval
}
