package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

// MemoryStore is an in-process Store. Tickets are lost on restart.
type MemoryStore struct {
	mu           sync.Mutex
	tickets      map[string]*protocol.Ticket
	correlations map[protocol.Correlation]string
	now          func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:      make(map[string]*protocol.Ticket),
		correlations: make(map[protocol.Correlation]string),
		now:          time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, t *protocol.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket store: create: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tickets[t.ID]; ok {
		return fmt.Errorf("ticket store: create %q: %w", t.ID, ErrExists)
	}
	if t.Correlation.CallID != "" {
		if owner, ok := m.correlations[t.Correlation]; ok {
			return fmt.Errorf("ticket store: create %q: owned by %q: %w", t.ID, owner, ErrCorrelationTaken)
		}
	}

	cp := cloneTicket(t)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	if cp.UpdatedAt.Before(cp.CreatedAt) {
		cp.UpdatedAt = cp.CreatedAt
	}
	if cp.Status == "" {
		cp.Status = protocol.StatusPending
	}
	// Match the millisecond precision of the SQL backends.
	cp.CreatedAt = time.UnixMilli(cp.CreatedAt.UnixMilli())
	cp.UpdatedAt = time.UnixMilli(cp.UpdatedAt.UnixMilli())

	m.tickets[cp.ID] = cp
	if cp.Correlation.CallID != "" {
		m.correlations[cp.Correlation] = cp.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*protocol.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket store: get %q: %w", id, ErrNotFound)
	}
	return cloneTicket(t), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*protocol.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*protocol.Ticket{}
	for _, t := range m.tickets {
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && t.Correlation.SessionID != filter.SessionID {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	slices.SortFunc(out, func(a, b *protocol.Ticket) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to protocol.Status, result json.RawMessage) (*protocol.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, false, fmt.Errorf("ticket store: get %q: %w", id, ErrNotFound)
	}
	apply, err := checkTransition(t.Status, to)
	if err != nil {
		return cloneTicket(t), false, fmt.Errorf("ticket store: %s -> %s on %q: %w", t.Status, to, id, err)
	}
	if !apply {
		return cloneTicket(t), false, nil
	}

	t.Status = to
	if len(result) > 0 {
		t.Result = slices.Clone(result)
	}
	if now := time.UnixMilli(m.now().UnixMilli()); now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return cloneTicket(t), true, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneTicket(t *protocol.Ticket) *protocol.Ticket {
	cp := *t
	cp.Result = slices.Clone(t.Result)
	cp.Metadata = protocol.CloneMap(t.Metadata)
	return &cp
}
