package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/clock"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	transport *MemoryTransport
	publisher *Publisher
	consumer  *Consumer
	clock     *clock.FakeClock
	got       chan protocol.Envelope
	done      chan error
	cancel    context.CancelFunc
}

func startConsumer(t *testing.T, backoff Backoff) *harness {
	t.Helper()
	h := &harness{
		transport: NewMemoryTransport(),
		clock:     clock.Fake(epoch),
		got:       make(chan protocol.Envelope, 16),
		done:      make(chan error, 1),
	}
	h.publisher = NewPublisher(h.transport, nil, DefaultChannels())
	h.consumer = NewConsumer(h.transport, ConsumerConfig{Backoff: backoff, Clock: h.clock})
	record := func(_ context.Context, env protocol.Envelope) error {
		h.got <- env
		return nil
	}
	h.consumer.Handle(protocol.TypeApprovalRequest, record)
	h.consumer.Handle(protocol.TypeTicketStatus, record)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.consumer.Run(ctx) }()
	t.Cleanup(cancel)

	h.waitSubscribed(t)
	return h
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.transport.Subscribers() == 1 }, time.Second, time.Millisecond)
}

func (h *harness) publish(t *testing.T, typ string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, protocol.SourceMCP, "backend", payload, epoch)
	require.NoError(t, err)
	require.NoError(t, h.publisher.Publish(context.Background(), env))
	return env
}

func (h *harness) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-h.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, MaxAttempts: 5}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
}

func TestConsumerDispatchesByType(t *testing.T) {
	h := startConsumer(t, DefaultBackoff())

	sent := h.publish(t, protocol.TypeApprovalRequest, protocol.RequestPayload{TicketID: "approval-1", Kind: protocol.KindApproval})
	got := h.next(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, StateConnected, h.consumer.Health().State)
}

// After a healthy session drops, the first reconnect is immediate. Two
// failed reconnects wait 1s and 2s and the third one resumes delivery.
func TestConsumerReconnectsWithBackoff(t *testing.T) {
	h := startConsumer(t, Backoff{Base: time.Second, MaxAttempts: 5})

	h.publish(t, protocol.TypeApprovalRequest, protocol.RequestPayload{TicketID: "approval-before"})
	h.next(t)

	h.transport.FailSubscribes(2)
	h.transport.Disconnect()

	// Attempt 1 fails immediately and waits 1s.
	h.clock.WaitForTimers(1)
	health := h.consumer.Health()
	assert.Equal(t, StateReconnecting, health.State)
	assert.Equal(t, 1, health.Attempts)
	assert.Equal(t, 2, h.transport.SubscribeCalls())
	h.clock.Advance(time.Second)

	// Attempt 2 fails and waits 2s.
	h.clock.WaitForTimers(1)
	assert.Equal(t, 2, h.consumer.Health().Attempts)
	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.clock.Pending(), "second wait is 2s")
	h.clock.Advance(time.Second)

	// Attempt 3 succeeds.
	h.waitSubscribed(t)
	assert.Equal(t, 4, h.transport.SubscribeCalls())
	require.Eventually(t, func() bool { return h.consumer.Health().State == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.consumer.Health().Attempts)

	sent := h.publish(t, protocol.TypeTicketStatus, protocol.StatusPayload{TicketID: "approval-before", Status: protocol.StatusApproved})
	assert.Equal(t, sent.ID, h.next(t).ID)
}

func TestConsumerGivesUpAfterMaxAttempts(t *testing.T) {
	h := startConsumer(t, Backoff{Base: time.Second, MaxAttempts: 3})

	h.transport.FailSubscribes(10)
	h.transport.Disconnect()

	h.clock.BlockUntilAdvance(time.Second)
	h.clock.BlockUntilAdvance(2 * time.Second)

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not give up")
	}
	health := h.consumer.Health()
	assert.Equal(t, StateFailed, health.State)
	assert.Equal(t, 3, health.Attempts)
	assert.False(t, health.Healthy())
	assert.Contains(t, health.LastError, "disconnected")
}

// flappingTransport accepts every subscription and then fails the first
// Receive, like a broker that resets each connection right after accepting it.
type flappingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *flappingTransport) Publish(context.Context, string, []byte) error { return nil }
func (f *flappingTransport) Close() error                                   { return nil }

func (f *flappingTransport) Subscribe(context.Context, ...string) (Subscription, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return flappingSubscription{}, nil
}

func (f *flappingTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type flappingSubscription struct{}

func (flappingSubscription) Receive(context.Context) (Message, error) {
	return Message{}, errors.New("connection reset by peer")
}
func (flappingSubscription) Close() error { return nil }

func TestConsumerBacksOffWhenSessionsDropImmediately(t *testing.T) {
	transport := &flappingTransport{}
	clk := clock.Fake(epoch)
	consumer := NewConsumer(transport, ConsumerConfig{
		Backoff: Backoff{Base: time.Second, MaxAttempts: 3},
		Clock:   clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// Each accepted-then-reset session counts as a failed attempt.
	clk.WaitForTimers(1)
	assert.Equal(t, 1, transport.Calls())
	health := consumer.Health()
	assert.Equal(t, StateReconnecting, health.State)
	assert.Equal(t, 1, health.Attempts)
	clk.Advance(time.Second)

	clk.WaitForTimers(1)
	assert.Equal(t, 2, transport.Calls())
	clk.Advance(time.Second)
	assert.Equal(t, 1, clk.Pending(), "second wait is 2s")
	clk.Advance(time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not give up")
	}
	assert.Equal(t, 3, transport.Calls())
	health = consumer.Health()
	assert.Equal(t, StateFailed, health.State)
	assert.Equal(t, 3, health.Attempts)
	assert.Contains(t, health.LastError, "connection reset")
}

func TestConsumerStopsOnCancel(t *testing.T) {
	h := startConsumer(t, DefaultBackoff())
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerSkipsBadEnvelopes(t *testing.T) {
	h := startConsumer(t, DefaultBackoff())
	ctx := context.Background()

	require.NoError(t, h.transport.Publish(ctx, DefaultChannels().Approval, []byte("{not json")))
	require.NoError(t, h.transport.Publish(ctx, DefaultChannels().Approval, []byte(`{"id":"e1","type":"mystery","payload":{}}`)))
	sent := h.publish(t, protocol.TypeApprovalRequest, protocol.RequestPayload{TicketID: "approval-2"})

	assert.Equal(t, sent.ID, h.next(t).ID)
	assert.Equal(t, StateConnected, h.consumer.Health().State)
}

func TestConsumerContinuesAfterHandlerError(t *testing.T) {
	h := startConsumer(t, DefaultBackoff())
	calls := 0
	h.consumer.Handle(protocol.TypeApprovalRequest, func(_ context.Context, env protocol.Envelope) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		h.got <- env
		return nil
	})

	h.publish(t, protocol.TypeApprovalRequest, protocol.RequestPayload{TicketID: "approval-1"})
	second := h.publish(t, protocol.TypeApprovalRequest, protocol.RequestPayload{TicketID: "approval-2"})
	assert.Equal(t, second.ID, h.next(t).ID)
}

func TestHandleTicketsRecordsAndResolves(t *testing.T) {
	transport := NewMemoryTransport()
	store := ticket.NewMemoryStore()
	svc := resolution.NewService(store, nil, nil)
	consumer := NewConsumer(transport, ConsumerConfig{})
	consumer.HandleTickets(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)
	require.Eventually(t, func() bool { return transport.Subscribers() == 1 }, time.Second, time.Millisecond)

	pub := NewPublisher(transport, nil, DefaultChannels())
	send := func(typ string, payload any) {
		env, err := protocol.NewEnvelope(typ, protocol.SourceBackend, "backend", payload, time.Now())
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, env))
	}
	waitStatus := func(id string, want protocol.Status) {
		require.Eventually(t, func() bool {
			tk, err := store.Get(ctx, id)
			return err == nil && tk.Status == want
		}, time.Second, time.Millisecond)
	}

	send(protocol.TypeJobRequest, protocol.RequestPayload{
		TicketID:       "code-interpreter-0a1b2c3d4e5f",
		Description:    "run query",
		SessionID:      "s1",
		FunctionCallID: "call-1",
	})
	waitStatus("code-interpreter-0a1b2c3d4e5f", protocol.StatusPending)
	tk, err := store.Get(ctx, "code-interpreter-0a1b2c3d4e5f")
	require.NoError(t, err)
	assert.Equal(t, protocol.KindJob, tk.Kind)
	assert.Equal(t, "call-1", tk.Correlation.CallID)

	send(protocol.TypeTicketStatus, protocol.StatusPayload{TicketID: tk.ID, Status: protocol.StatusRunning})
	waitStatus(tk.ID, protocol.StatusRunning)

	send(protocol.TypeTicketStatus, protocol.StatusPayload{TicketID: tk.ID, Status: protocol.StatusCompleted, Result: json.RawMessage(`{"rows":3}`)})
	waitStatus(tk.ID, protocol.StatusCompleted)

	// A late conflicting update is logged and dropped.
	send(protocol.TypeTicketStatus, protocol.StatusPayload{TicketID: tk.ID, Status: protocol.StatusError})
	send(protocol.TypeJobRequest, protocol.RequestPayload{TicketID: tk.ID, Description: "run query"})
	time.Sleep(20 * time.Millisecond)
	tk, err = store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, tk.Status)
	assert.Equal(t, StateConnected, consumer.Health().State)
}
