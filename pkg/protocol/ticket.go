package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates what a ticket is waiting on.
type Kind string

const (
	KindApproval Kind = "approval"
	KindJob      Kind = "job"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindApproval || k == KindJob
}

// IDPrefix returns the ticket id prefix used for this kind.
func (k Kind) IDPrefix() string {
	switch k {
	case KindApproval:
		return "approval"
	case KindJob:
		return "code-interpreter"
	default:
		return string(k)
	}
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown ticket kind %q", s)
	}
	return k, nil
}

// Status represents the lifecycle state of a ticket.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusApproved, StatusRejected, StatusCompleted, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is accepted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCompleted, StatusError:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown ticket status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a ticket in status from may move to status to.
// Re-applying the current status is not a transition and returns false.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to.IsTerminal()
	case StatusRunning:
		return to.IsTerminal()
	}
	return false
}

// SourceStatuses lists every status from which to is reachable in one step.
func SourceStatuses(to Status) []Status {
	switch {
	case to == StatusRunning:
		return []Status{StatusPending}
	case to.IsTerminal():
		return []Status{StatusPending, StatusRunning}
	}
	return nil
}

// Accepts reports whether a ticket of kind k may be resolved to s.
func (k Kind) Accepts(s Status) bool {
	switch k {
	case KindApproval:
		return s == StatusApproved || s == StatusRejected || s == StatusError
	case KindJob:
		return s == StatusRunning || s == StatusCompleted || s == StatusError
	}
	return false
}

// Correlation links a ticket back to the tool call that created it.
type Correlation struct {
	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// Ticket is the correlation record for one long-running action.
type Ticket struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Description string          `json:"description"`
	Correlation Correlation     `json:"correlation"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Resolved reports whether the ticket has reached a terminal status.
func (t *Ticket) Resolved() bool {
	return t.Status.IsTerminal()
}
