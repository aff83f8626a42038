package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/holdline/internal/connector"
	"github.com/h1v3-io/holdline/internal/fanout"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

type fakeConnector struct {
	mu   sync.Mutex
	sent []connector.OutboundMessage
	err  error
}

func (f *fakeConnector) Name() string                    { return "fake" }
func (f *fakeConnector) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeConnector) Stop() error                     { return nil }

func (f *fakeConnector) Send(_ context.Context, msg connector.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConnector) messages() []connector.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.OutboundMessage(nil), f.sent...)
}

type fixture struct {
	svc *resolution.Service
	hub *fanout.Hub
	cmd *Commands
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := fanout.New(fanout.Config{}, nil)
	svc := resolution.NewService(ticket.NewMemoryStore(), hub, nil)
	return &fixture{svc: svc, hub: hub, cmd: NewCommands(svc)}
}

func (f *fixture) record(t *testing.T, id string, kind protocol.Kind, desc string) {
	t.Helper()
	now := time.Now()
	_, err := f.svc.Record(context.Background(), &protocol.Ticket{
		ID: id, Kind: kind, Description: desc, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func chat(text string) connector.InboundMessage {
	return connector.InboundMessage{Channel: "telegram", SenderID: "100", ChatID: "555", Text: text}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		verb string
		args []string
		ok   bool
	}{
		{"/approve approval-abc123 looks fine", "approve", []string{"approval-abc123", "looks", "fine"}, true},
		{"/Pending@holdline_bot", "pending", []string{}, true},
		{"reject approval-abc123", "reject", []string{"approval-abc123"}, true},
		{"/whatever", "whatever", []string{}, true},
		{"hello there", "", nil, false},
		{"   ", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tt := range tests {
		verb, args, ok := parseCommand(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.verb, verb, tt.in)
			assert.Equal(t, tt.args, args, tt.in)
		}
	}
}

func TestApproveFromChat(t *testing.T) {
	f := newFixture(t)
	f.record(t, "approval-abc123", protocol.KindApproval, "refund $150")

	reply, err := f.cmd.Handle(context.Background(), chat("/approve approval-abc123 verified receipt"))
	require.NoError(t, err)
	assert.Equal(t, "approval-abc123 is now approved.", reply)

	got, err := f.svc.Get(context.Background(), "approval-abc123")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusApproved, got.Status)
	var d decision
	require.NoError(t, json.Unmarshal(got.Result, &d))
	assert.Equal(t, decision{By: "telegram:100", Note: "verified receipt"}, d)
}

func TestRejectAfterApproveReportsCurrent(t *testing.T) {
	f := newFixture(t)
	f.record(t, "approval-abc123", protocol.KindApproval, "refund $150")

	_, err := f.cmd.Handle(context.Background(), chat("/approve approval-abc123"))
	require.NoError(t, err)

	reply, err := f.cmd.Handle(context.Background(), chat("/reject approval-abc123"))
	require.NoError(t, err)
	assert.Equal(t, "approval-abc123 was already approved.", reply)
}

func TestApproveJobIsRefused(t *testing.T) {
	f := newFixture(t)
	f.record(t, "code-interpreter-1", protocol.KindJob, "run report")

	reply, err := f.cmd.Handle(context.Background(), chat("/approve code-interpreter-1"))
	require.NoError(t, err)
	assert.Contains(t, reply, "is not an approval")
}

func TestStatusAndPending(t *testing.T) {
	f := newFixture(t)
	f.record(t, "approval-a", protocol.KindApproval, "first")
	f.record(t, "approval-b", protocol.KindApproval, "second")
	_, err := f.svc.Resolve(context.Background(), "approval-b", protocol.StatusRejected, nil)
	require.NoError(t, err)

	reply, err := f.cmd.Handle(context.Background(), chat("/pending"))
	require.NoError(t, err)
	assert.Contains(t, reply, "1 pending")
	assert.Contains(t, reply, "approval-a")
	assert.NotContains(t, reply, "approval-b")

	reply, err = f.cmd.Handle(context.Background(), chat("/status approval-b"))
	require.NoError(t, err)
	assert.Contains(t, reply, "approval-b (approval) is rejected")

	reply, err = f.cmd.Handle(context.Background(), chat("/status nope"))
	require.NoError(t, err)
	assert.Equal(t, "No ticket nope.", reply)
}

func TestUsageAndUnknown(t *testing.T) {
	f := newFixture(t)

	reply, err := f.cmd.Handle(context.Background(), chat("/approve"))
	require.NoError(t, err)
	assert.Equal(t, "Usage: /approve <ticket> [note]", reply)

	reply, err = f.cmd.Handle(context.Background(), chat("/frobnicate"))
	require.NoError(t, err)
	assert.Contains(t, reply, `Unknown command "frobnicate"`)

	reply, err = f.cmd.Handle(context.Background(), chat("just chatting"))
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestFormat(t *testing.T) {
	approval := &protocol.Ticket{ID: "approval-abc123", Kind: protocol.KindApproval, Description: "refund $150"}
	job := &protocol.Ticket{ID: "code-interpreter-1", Kind: protocol.KindJob, Description: "run report"}

	assert.Equal(t, "Approval needed: approval-abc123\nrefund $150\nReply /approve approval-abc123 or /reject approval-abc123",
		Format(resolution.EventTicketCreated, approval))
	assert.Empty(t, Format(resolution.EventTicketCreated, job))

	job.Status = protocol.StatusRunning
	assert.Empty(t, Format(resolution.EventTicketUpdated, job))
	job.Status = protocol.StatusCompleted
	assert.Equal(t, "code-interpreter-1 completed: run report", Format(resolution.EventTicketUpdated, job))

	assert.Empty(t, Format("heartbeat", approval))
}

func TestNotifierDelivers(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConnector{}
	failing := &fakeConnector{err: errors.New("chat gone")}
	n := NewNotifier(f.hub, []Target{{Connector: conn, ChatID: "555"}, {Connector: failing, ChatID: "666"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	f.record(t, "approval-abc123", protocol.KindApproval, "refund $150")
	_, err := f.svc.Resolve(context.Background(), "approval-abc123", protocol.StatusApproved, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := conn.messages()
	assert.Equal(t, "555", msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, "Approval needed: approval-abc123")
	assert.Equal(t, "approval-abc123 approved: refund $150", msgs[1].Text)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, f.hub.Len())
}

// countingSource records each subscription it hands out.
type countingSource struct {
	*fanout.Hub
	subs chan *fanout.Subscription
}

func (c *countingSource) Subscribe() *fanout.Subscription {
	sub := c.Hub.Subscribe()
	c.subs <- sub
	return sub
}

func TestNotifierResubscribesAfterPrune(t *testing.T) {
	src := &countingSource{Hub: fanout.New(fanout.Config{}, nil), subs: make(chan *fanout.Subscription, 4)}
	conn := &fakeConnector{}
	n := NewNotifier(src, []Target{{Connector: conn, ChatID: "1"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	first := <-src.subs
	src.Hub.Unsubscribe(first) // what a sweep does to a lagging subscriber

	select {
	case second := <-src.subs:
		assert.NotEqual(t, first.ID(), second.ID())
	case <-time.After(3 * time.Second):
		t.Fatal("notifier did not resubscribe")
	}

	require.NoError(t, src.Hub.Publish(resolution.EventTicketCreated, &protocol.Ticket{
		ID: "approval-x", Kind: protocol.KindApproval, Description: "after prune",
	}))
	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
}
