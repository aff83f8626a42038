// Package issuer mints tickets for long-running actions and announces them on
// the relay without blocking the caller.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/clock"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// ErrEmptyDescription is returned when a request has no description.
var ErrEmptyDescription = errors.New("issuer: description is required")

// DefaultPublishTimeout bounds a single relay publish.
const DefaultPublishTimeout = 5 * time.Second

// Request describes the action a ticket tracks.
type Request struct {
	Kind        protocol.Kind
	Description string
	Correlation protocol.Correlation
	Metadata    map[string]any
}

// Receipt is returned to the caller immediately. Its JSON form is the
// long-running tool's result.
type Receipt struct {
	Status     protocol.Status `json:"status"`
	TicketID   string          `json:"ticket_id"`
	TicketKind protocol.Kind   `json:"ticket_kind"`
}

// Map returns the receipt as a function-response map.
func (r Receipt) Map() map[string]any {
	return map[string]any{
		"status":      string(r.Status),
		"ticket_id":   r.TicketID,
		"ticket_kind": string(r.TicketKind),
	}
}

// Publisher sends an envelope on the relay. *relay.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Recorder persists a ticket. *resolution.Service implements it.
type Recorder interface {
	Record(ctx context.Context, t *protocol.Ticket) (bool, error)
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
}

// IDFunc returns a ticket id suffix.
type IDFunc func() string

// Config configures an Issuer.
type Config struct {
	PublishTimeout time.Duration
	OutboxSize     int
	Target         string
	// NewID overrides the id suffix. By default a request with a call id gets
	// CorrelationSuffix and any other request gets RandomSuffix.
	NewID  IDFunc
	Clock  clock.Clock
	Logger *slog.Logger
	// Recorder, when set, persists the ticket before it is published.
	Recorder Recorder
}

// Issuer mints tickets.
type Issuer struct {
	publisher Publisher
	recorder  Recorder
	outbox    *Outbox
	timeout   time.Duration
	target    string
	newID     IDFunc
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates an Issuer that publishes through p.
func New(p Publisher, cfg Config) *Issuer {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Target == "" {
		cfg.Target = "backend"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "issuer")
	return &Issuer{
		publisher: p,
		recorder:  cfg.Recorder,
		outbox:    NewOutbox(p, cfg.OutboxSize, cfg.PublishTimeout, logger),
		timeout:   cfg.PublishTimeout,
		target:    cfg.Target,
		newID:     cfg.NewID,
		clock:     cfg.Clock,
		logger:    logger,
	}
}

// RandomSuffix returns 12 hex digits taken from a random UUID.
func RandomSuffix() string {
	return hexSuffix(uuid.New())
}

var correlationSpace = uuid.MustParse("6f1d3c2a-8b4e-5d7f-9a0c-1e2b3c4d5e6f")

// CorrelationSuffix returns 12 hex digits derived from the correlation, so
// issuing again for the same (session, call) yields the same ticket id.
func CorrelationSuffix(c protocol.Correlation) string {
	return hexSuffix(uuid.NewSHA1(correlationSpace, []byte(c.SessionID+"\x00"+c.CallID)))
}

func hexSuffix(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")[:12]
}

func (i *Issuer) suffix(c protocol.Correlation) string {
	switch {
	case i.newID != nil:
		return i.newID()
	case c.CallID != "":
		return CorrelationSuffix(c)
	default:
		return RandomSuffix()
	}
}

// Outbox returns the queue of envelopes waiting to be republished.
func (i *Issuer) Outbox() *Outbox { return i.outbox }

// Issue mints a ticket and publishes its request envelope. Publish failures
// and store outages are logged, not returned.
//
// Issuing again for a correlation that already has a ticket returns that
// ticket's receipt without publishing. A correlation owned by a ticket with a
// different id fails with ticket.ErrCorrelationTaken.
func (i *Issuer) Issue(ctx context.Context, req Request) (Receipt, error) {
	if !req.Kind.Valid() {
		return Receipt{}, fmt.Errorf("issuer: unknown kind %q", req.Kind)
	}
	if strings.TrimSpace(req.Description) == "" {
		return Receipt{}, ErrEmptyDescription
	}

	now := i.clock.Now()
	id := req.Kind.IDPrefix() + "-" + i.suffix(req.Correlation)
	payload := protocol.RequestPayload{
		TicketID:       id,
		Kind:           req.Kind,
		Description:    req.Description,
		SessionID:      req.Correlation.SessionID,
		FunctionCallID: req.Correlation.CallID,
		Metadata:       req.Metadata,
		CreatedAt:      now.UnixMilli(),
	}

	if i.recorder != nil {
		created, err := i.recorder.Record(ctx, payload.Ticket())
		switch {
		case errors.Is(err, ticket.ErrCorrelationTaken):
			return Receipt{}, fmt.Errorf("issuer: %w", err)
		case err != nil:
			i.logger.Error("record ticket failed", "ticket", id, "error", err)
		case !created:
			existing, err := i.recorder.Get(ctx, id)
			if err != nil {
				return Receipt{}, fmt.Errorf("issuer: %w", err)
			}
			if existing.Kind != req.Kind {
				return Receipt{}, fmt.Errorf("issuer: %q exists with kind %q: %w", id, existing.Kind, ticket.ErrExists)
			}
			i.logger.Debug("ticket already issued", "ticket", id, "status", existing.Status)
			return Receipt{Status: existing.Status, TicketID: id, TicketKind: existing.Kind}, nil
		}
	}

	env, err := protocol.NewEnvelope(requestType(req.Kind), protocol.SourceMCP, i.target, payload, now)
	if err != nil {
		return Receipt{}, fmt.Errorf("issuer: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, i.timeout)
	err = i.publisher.Publish(pctx, env)
	cancel()
	if err != nil {
		i.logger.Warn("publish failed, queued for retry", "ticket", id, "envelope", env.ID, "error", err)
		i.outbox.Add(env)
	} else {
		i.logger.Info("ticket issued", "ticket", id, "kind", req.Kind, "session", req.Correlation.SessionID)
	}

	return Receipt{Status: protocol.StatusPending, TicketID: id, TicketKind: req.Kind}, nil
}

func requestType(k protocol.Kind) string {
	if k == protocol.KindJob {
		return protocol.TypeJobRequest
	}
	return protocol.TypeApprovalRequest
}
