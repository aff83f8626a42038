package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// TicketIssuer mints tickets. *issuer.Issuer implements it.
type TicketIssuer interface {
	Issue(ctx context.Context, req issuer.Request) (issuer.Receipt, error)
}

// WithIssuer exposes POST /api/tickets for tool hosts that cannot publish to
// the relay themselves.
func WithIssuer(iss TicketIssuer) Option {
	return func(s *Server) { s.issuer = iss }
}

const issueSchemaURL = "https://holdline.schemas.local/api/issue.schema.json"

const issueSchemaJSON = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["approval", "job"]},
		"description": {"type": "string", "minLength": 1},
		"session_id": {"type": "string"},
		"call_id": {"type": "string"},
		"metadata": {"type": "object"}
	},
	"required": ["kind", "description"],
	"additionalProperties": false
}`

var issueSchema = mustCompile(issueSchemaURL, issueSchemaJSON)

type issueRequest struct {
	Kind        protocol.Kind  `json:"kind"`
	Description string         `json:"description"`
	SessionID   string         `json:"session_id,omitempty"`
	CallID      string         `json:"call_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := issueSchema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	var req issueRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	receipt, err := s.issuer.Issue(r.Context(), issuer.Request{
		Kind:        req.Kind,
		Description: req.Description,
		Correlation: protocol.Correlation{SessionID: req.SessionID, CallID: req.CallID},
		Metadata:    req.Metadata,
	})
	switch {
	case errors.Is(err, ticket.ErrCorrelationTaken), errors.Is(err, ticket.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
