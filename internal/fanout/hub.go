// Package fanout pushes ticket state changes to live subscribers.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultQueueSize        = 256
	DefaultBacklogThreshold = 128
)

// Notification is one event delivered to a subscriber.
type Notification struct {
	Seq   uint64          `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Subscription is a live handle returned by Subscribe. Read notifications
// from C; the channel is closed when the handle is unsubscribed or pruned.
type Subscription struct {
	C <-chan Notification

	id      uint64
	ch      chan Notification
	dropped uint64
}

// ID returns the handle's identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Backlog returns the number of queued, unread notifications.
func (s *Subscription) Backlog() int { return len(s.ch) }

// Config sizes the per-subscription queues.
type Config struct {
	QueueSize        int // capacity of each subscription queue
	BacklogThreshold int // backlog at or above which Sweep prunes a subscription
}

// Hub fans notifications out to all live subscriptions.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	cfg    Config
	logger *slog.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter
	pruned    metric.Int64Counter
}

// New creates a Hub. Zero config values fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BacklogThreshold <= 0 || cfg.BacklogThreshold > cfg.QueueSize {
		cfg.BacklogThreshold = min(DefaultBacklogThreshold, cfg.QueueSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("github.com/h1v3-io/holdline/internal/fanout")
	published, _ := meter.Int64Counter("holdline.fanout.published",
		metric.WithDescription("Notifications published to the hub"))
	dropped, _ := meter.Int64Counter("holdline.fanout.dropped",
		metric.WithDescription("Notifications dropped because a subscriber queue was full"))
	pruned, _ := meter.Int64Counter("holdline.fanout.pruned",
		metric.WithDescription("Subscriptions removed by the backlog sweep"))

	return &Hub{
		subs:      make(map[uint64]*Subscription),
		cfg:       cfg,
		logger:    logger,
		published: published,
		dropped:   dropped,
		pruned:    pruned,
	}
}

// Subscribe registers a new handle.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan Notification, h.cfg.QueueSize)
	sub := &Subscription{C: ch, id: h.nextID, ch: ch}
	h.subs[sub.id] = sub
	h.logger.Debug("subscriber added", "subscription", sub.id, "subscribers", len(h.subs))
	return sub
}

// Unsubscribe removes the handle and closes its channel. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	h.logger.Debug("subscriber removed", "subscription", sub.id, "subscribers", len(h.subs))
}

// Publish delivers event to every live subscription without blocking.
// Sends happen under the hub lock, so each subscription observes events in
// publish order. A full queue drops the event for that subscription only.
func (h *Hub) Publish(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("fanout: marshal %s: %w", event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	n := Notification{Seq: h.seq, Event: event, Data: raw}
	for _, sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped++
			h.dropped.Add(context.Background(), 1)
			h.logger.Debug("subscriber queue full, dropping", "subscription", sub.id, "event", event)
		}
	}
	h.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
	return nil
}

// Sweep removes every subscription whose backlog has reached the threshold
// and returns how many were pruned.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for id, sub := range h.subs {
		if len(sub.ch) < h.cfg.BacklogThreshold {
			continue
		}
		delete(h.subs, id)
		close(sub.ch)
		pruned++
		h.logger.Info("pruned stale subscriber",
			"subscription", id,
			"backlog", len(sub.ch),
			"dropped", sub.dropped,
		)
	}
	if pruned > 0 {
		h.pruned.Add(context.Background(), int64(pruned))
	}
	return pruned
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
