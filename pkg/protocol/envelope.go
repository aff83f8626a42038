package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies which side of the system produced an envelope.
type Source string

const (
	SourceMCP      Source = "mcp"
	SourceBackend  Source = "backend"
	SourceFrontend Source = "frontend"
)

// Envelope types understood by the relay consumer.
const (
	TypeApprovalRequest = "approval_request"
	TypeJobRequest      = "code_interpreter_action"
	TypeTicketStatus    = "ticket_status"
)

// Envelope is the typed message carried on relay channels.
type Envelope struct {
	ID        string          `json:"id" cbor:"id"`
	Type      string          `json:"type" cbor:"type"`
	Timestamp int64           `json:"timestamp" cbor:"timestamp"` // epoch milliseconds
	Source    Source          `json:"source" cbor:"source"`
	Target    string          `json:"target" cbor:"target"`
	Component string          `json:"component,omitempty" cbor:"component,omitempty"`
	Payload   json.RawMessage `json:"payload" cbor:"payload"`
}

// NewEnvelope builds an envelope with a fresh id, stamping it with now.
func NewEnvelope(typ string, source Source, target string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: now.UnixMilli(),
		Source:    source,
		Target:    target,
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.ID, err)
	}
	return nil
}

// RequestPayload is carried by approval_request and code_interpreter_action envelopes.
type RequestPayload struct {
	TicketID       string         `json:"ticket_id"`
	Kind           Kind           `json:"kind"`
	Description    string         `json:"description"`
	SessionID      string         `json:"session_id,omitempty"`
	FunctionCallID string         `json:"function_call_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at,omitempty"`
}

// Ticket converts the payload into a pending ticket.
func (p RequestPayload) Ticket() *Ticket {
	created := time.Now()
	if p.CreatedAt > 0 {
		created = time.UnixMilli(p.CreatedAt)
	}
	return &Ticket{
		ID:          p.TicketID,
		Kind:        p.Kind,
		Status:      StatusPending,
		Description: p.Description,
		Correlation: Correlation{SessionID: p.SessionID, CallID: p.FunctionCallID},
		Metadata:    p.Metadata,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// StatusPayload is carried by ticket_status envelopes.
type StatusPayload struct {
	TicketID string          `json:"ticket_id"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
}
