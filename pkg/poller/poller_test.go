package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/clock"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type temporaryErr struct{}

func (temporaryErr) Error() string   { return "service unavailable" }
func (temporaryErr) Temporary() bool { return true }

// scriptedGetter returns results in order, repeating the last one.
type scriptedGetter struct {
	mu    sync.Mutex
	steps []func() (*protocol.Ticket, error)
	calls int
}

func (g *scriptedGetter) Get(_ context.Context, id string) (*protocol.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := min(g.calls, len(g.steps)-1)
	g.calls++
	return g.steps[i]()
}

func (g *scriptedGetter) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func status(s protocol.Status) func() (*protocol.Ticket, error) {
	return func() (*protocol.Ticket, error) {
		return &protocol.Ticket{ID: "approval-xyz", Kind: protocol.KindApproval, Status: s}, nil
	}
}

func fail(err error) func() (*protocol.Ticket, error) {
	return func() (*protocol.Ticket, error) { return nil, err }
}

type result struct {
	out Outcome
	err error
}

func startPoll(p *Poller, policy Policy) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := p.PollWith(context.Background(), "approval-xyz", policy)
		ch <- result{out, err}
	}()
	return ch
}

// drive advances the fake clock by interval each time the poller sleeps until
// the poll returns.
func drive(t *testing.T, fc *clock.FakeClock, interval time.Duration, done <-chan result) result {
	t.Helper()
	for {
		select {
		case r := <-done:
			return r
		default:
		}
		waited := make(chan struct{})
		go func() { fc.WaitForTimers(1); close(waited) }()
		select {
		case r := <-done:
			return r
		case <-waited:
			fc.Advance(interval)
		case <-time.After(5 * time.Second):
			t.Fatal("poller neither slept nor returned")
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{MaxAttempts: 1, Interval: time.Second}.Validate())
	assert.Error(t, Policy{MaxAttempts: 0, Interval: time.Second}.Validate())
	assert.Error(t, Policy{MaxAttempts: 16, Interval: time.Second}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3}.Validate())
	assert.Equal(t, 30*time.Second, DefaultPolicy().Budget())
}

// A ticket that never resolves yields pending after 3 polls 2s apart.
func TestPollSoftTimeout(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){status(protocol.StatusPending)}}
	p := New(g, DefaultPolicy(), WithClock(fc))
	policy := Policy{MaxAttempts: 3, Interval: 2 * time.Second}

	r := drive(t, fc, policy.Interval, startPoll(p, policy))
	require.NoError(t, r.err)
	assert.False(t, r.out.Resolved)
	assert.Equal(t, protocol.StatusPending, r.out.Status)
	assert.Equal(t, 3, r.out.Attempts)
	assert.Equal(t, 3, g.Calls())
	assert.Equal(t, 6*time.Second, fc.Now().Sub(epoch))
}

func TestPollBoundedByBudget(t *testing.T) {
	for attempts := 1; attempts <= MaxAttemptsLimit; attempts += 7 {
		t.Run(fmt.Sprint(attempts), func(t *testing.T) {
			fc := clock.Fake(epoch)
			g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){status(protocol.StatusRunning)}}
			policy := Policy{MaxAttempts: attempts, Interval: 2 * time.Second}

			r := drive(t, fc, policy.Interval, startPoll(New(g, policy, WithClock(fc)), policy))
			require.NoError(t, r.err)
			assert.LessOrEqual(t, fc.Now().Sub(epoch), policy.Budget())
			assert.LessOrEqual(t, g.Calls(), attempts)
			assert.Equal(t, protocol.StatusRunning, r.out.Status)
		})
	}
}

func TestPollResolvesEarly(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){
		status(protocol.StatusPending),
		status(protocol.StatusApproved),
	}}
	policy := Policy{MaxAttempts: 5, Interval: 2 * time.Second}

	r := drive(t, fc, policy.Interval, startPoll(New(g, policy, WithClock(fc)), policy))
	require.NoError(t, r.err)
	assert.True(t, r.out.Resolved)
	assert.Equal(t, protocol.StatusApproved, r.out.Status)
	assert.Equal(t, 2, r.out.Attempts)
	require.NotNil(t, r.out.Ticket)
	assert.Equal(t, 2*time.Second, fc.Now().Sub(epoch))
}

func TestPollNotFoundIsFatal(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){
		fail(fmt.Errorf("get: %w", ticket.ErrNotFound)),
	}}
	policy := Policy{MaxAttempts: 5, Interval: time.Second}

	out, err := New(g, policy, WithClock(fc)).Poll(context.Background(), "approval-xyz")
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, fc.Pending())
}

func TestPollRetriesTransientErrors(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){
		fail(temporaryErr{}),
		fail(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)),
		fail(io.ErrUnexpectedEOF),
		fail(errors.New("something odd")),
		status(protocol.StatusRejected),
	}}
	policy := Policy{MaxAttempts: 6, Interval: time.Second}

	r := drive(t, fc, policy.Interval, startPoll(New(g, policy, WithClock(fc)), policy))
	require.NoError(t, r.err)
	assert.True(t, r.out.Resolved)
	assert.Equal(t, protocol.StatusRejected, r.out.Status)
	assert.Equal(t, 5, r.out.Attempts)
}

func TestPollKeepsLastNonTerminalStatus(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){
		status(protocol.StatusRunning),
		fail(temporaryErr{}),
	}}
	policy := Policy{MaxAttempts: 3, Interval: time.Second}

	r := drive(t, fc, policy.Interval, startPoll(New(g, policy, WithClock(fc)), policy))
	require.NoError(t, r.err)
	assert.False(t, r.out.Resolved)
	assert.Equal(t, protocol.StatusRunning, r.out.Status)
}

func TestPollHonoursCancellation(t *testing.T) {
	fc := clock.Fake(epoch)
	g := &scriptedGetter{steps: []func() (*protocol.Ticket, error){status(protocol.StatusPending)}}
	p := New(g, DefaultPolicy(), WithClock(fc))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(ctx, "approval-xyz")
		done <- err
	}()
	fc.WaitForTimers(1)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop on cancel")
	}
}

func TestPollRejectsInvalidPolicy(t *testing.T) {
	p := New(&scriptedGetter{}, Policy{})
	assert.Equal(t, DefaultPolicy(), p.Policy())
	_, err := p.PollWith(context.Background(), "x", Policy{MaxAttempts: 20, Interval: time.Second})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	pending := &protocol.Ticket{Status: protocol.StatusPending}
	done := &protocol.Ticket{Status: protocol.StatusCompleted}

	assert.Equal(t, ClassResolved, Classify(done, nil))
	assert.Equal(t, ClassPending, Classify(pending, nil))
	assert.Equal(t, ClassFatal, Classify(nil, ticket.ErrNotFound))
	assert.Equal(t, ClassTransient, Classify(nil, context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(nil, syscall.ECONNRESET))
	assert.Equal(t, ClassUnknown, Classify(nil, errors.New("boom")))
	assert.Equal(t, "transient", ClassTransient.String())
}
