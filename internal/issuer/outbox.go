package issuer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

// DefaultOutboxSize is the number of unpublished envelopes kept in memory.
const DefaultOutboxSize = 1000

// Outbox holds envelopes whose publish failed until a flush succeeds.
// When full, the oldest envelope is dropped.
type Outbox struct {
	publisher Publisher
	size      int
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending []protocol.Envelope
	// flushMu serialises flushes so envelopes go out in FIFO order.
	flushMu sync.Mutex
}

// NewOutbox creates an Outbox that republishes through p.
func NewOutbox(p Publisher, size int, timeout time.Duration, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{publisher: p, size: size, timeout: timeout, logger: logger}
}

// Add queues env.
func (o *Outbox) Add(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) >= o.size {
		dropped := o.pending[0]
		o.pending = o.pending[1:]
		o.logger.Warn("outbox full, dropping oldest envelope", "envelope", dropped.ID, "type", dropped.Type)
	}
	o.pending = append(o.pending, env)
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush republishes queued envelopes in order and stops at the first failure,
// leaving it and everything after it queued. It returns the number sent.
func (o *Outbox) Flush(ctx context.Context) int {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	sent := 0
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.mu.Unlock()
			break
		}
		env := o.pending[0]
		o.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, o.timeout)
		err := o.publisher.Publish(pctx, env)
		cancel()
		if err != nil {
			o.logger.Warn("outbox flush failed", "envelope", env.ID, "remaining", o.Len(), "error", err)
			break
		}

		o.mu.Lock()
		// Add may have dropped env while we were publishing.
		if len(o.pending) > 0 && o.pending[0].ID == env.ID {
			o.pending = o.pending[1:]
		}
		o.mu.Unlock()
		sent++
	}
	if sent > 0 {
		o.logger.Info("outbox flushed", "sent", sent, "remaining", o.Len())
	}
	return sent
}
