package relay

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrDisconnected is returned by MemoryTransport subscriptions after Disconnect,
// and by Subscribe while injected failures remain.
var ErrDisconnected = errors.New("relay: memory transport disconnected")

const memoryQueueSize = 1024

// MemoryTransport is an in-process bus for single-binary deployments and tests.
// Disconnect and FailSubscribes inject faults.
type MemoryTransport struct {
	mu             sync.Mutex
	subs           map[*memorySubscription]struct{}
	failSubscribes int
	subscribeCalls int
	closed         bool
}

// NewMemoryTransport returns an empty bus.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[*memorySubscription]struct{})}
}

func (m *MemoryTransport) Publish(ctx context.Context, channel string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var targets []*memorySubscription
	for s := range m.subs {
		if slices.Contains(s.channels, channel) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: slices.Clone(data)}
	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subscribeCalls++
	if m.failSubscribes > 0 {
		m.failSubscribes--
		return nil, ErrDisconnected
	}
	s := &memorySubscription{
		t:        m,
		channels: slices.Clone(channels),
		ch:       make(chan Message, memoryQueueSize),
		done:     make(chan struct{}),
	}
	m.subs[s] = struct{}{}
	return s, nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subs {
		s.end(ErrClosed)
	}
	clear(m.subs)
	return nil
}

// Disconnect drops every active subscription. Their Receive calls fail with
// ErrDisconnected.
func (m *MemoryTransport) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		s.end(ErrDisconnected)
	}
	clear(m.subs)
}

// FailSubscribes makes the next n Subscribe calls fail.
func (m *MemoryTransport) FailSubscribes(n int) {
	m.mu.Lock()
	m.failSubscribes = n
	m.mu.Unlock()
}

// SubscribeCalls returns how many times Subscribe has been called.
func (m *MemoryTransport) SubscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls
}

// Subscribers returns the number of active subscriptions.
func (m *MemoryTransport) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type memorySubscription struct {
	t        *MemoryTransport
	channels []string
	ch       chan Message
	done     chan struct{}
	once     sync.Once
	err      error
}

// end must be called with t.mu held.
func (s *memorySubscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *memorySubscription) Receive(ctx context.Context) (Message, error) {
	// Drain buffered messages before reporting a disconnect.
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return Message{}, s.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s)
	s.end(ErrClosed)
	return nil
}
