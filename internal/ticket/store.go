package ticket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

var (
	// ErrNotFound is returned when no ticket has the requested id.
	ErrNotFound = errors.New("ticket not found")
	// ErrExists is returned by Create when a ticket with the same id is already stored.
	ErrExists = errors.New("ticket already exists")
	// ErrCorrelationTaken is returned by Create when a ticket with a different
	// id already owns the (session, call) correlation.
	ErrCorrelationTaken = errors.New("correlation belongs to another ticket")
	// ErrConflict is returned when a terminal ticket is resolved to a different terminal status.
	ErrConflict = errors.New("ticket already resolved with a different status")
	// ErrInvalidTransition is returned for moves the status DAG does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence interface for tickets.
type Store interface {
	// Create inserts a new ticket. It fails with ErrExists if the id is
	// already present and with ErrCorrelationTaken if another ticket owns the
	// (session, call) correlation.
	Create(ctx context.Context, t *protocol.Ticket) error
	// Get retrieves a ticket by id.
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error)
	// Transition moves a ticket to status to as a guarded check-then-write.
	// A nil result keeps the stored one. applied is false when the ticket
	// was already in status to.
	Transition(ctx context.Context, id string, to protocol.Status, result json.RawMessage) (t *protocol.Ticket, applied bool, err error)
	// Close releases the underlying resources.
	Close() error
}

// Filter constrains ticket list queries. Zero fields match everything.
type Filter struct {
	Kind      protocol.Kind
	Status    protocol.Status
	SessionID string
	Limit     int // 0 = no limit
}

// checkTransition decides what to do with a ticket currently in cur when a
// caller asks for to. apply is false for an idempotent repeat.
func checkTransition(cur, to protocol.Status) (apply bool, err error) {
	if cur == to {
		return false, nil
	}
	if protocol.CanTransition(cur, to) {
		return true, nil
	}
	if cur.IsTerminal() && to.IsTerminal() {
		return false, ErrConflict
	}
	return false, ErrInvalidTransition
}
