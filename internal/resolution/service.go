// Package resolution applies decisions to tickets and announces every change.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Fan-out event names.
const (
	EventTicketCreated = "ticket_created"
	EventTicketUpdated = "ticket_updated"
)

// ErrInvalidStatus is returned when a status is not a legal resolution for the ticket's kind.
var ErrInvalidStatus = errors.New("status not accepted for this ticket kind")

// Notifier receives state-change events. *fanout.Hub implements it.
type Notifier interface {
	Publish(event string, data any) error
}

// Service is the Resolution API over a ticket store.
type Service struct {
	store    ticket.Store
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	resolved  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewService creates a Service. notifier may be nil.
func NewService(store ticket.Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/h1v3-io/holdline/internal/resolution")
	resolved, _ := meter.Int64Counter("holdline.tickets.resolved",
		metric.WithDescription("Applied ticket status transitions"))
	conflicts, _ := meter.Int64Counter("holdline.tickets.conflicts",
		metric.WithDescription("Resolutions rejected because the ticket was already resolved differently"))

	return &Service{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer("github.com/h1v3-io/holdline/internal/resolution"),
		resolved:  resolved,
		conflicts: conflicts,
	}
}

// Get returns a ticket by id.
func (s *Service) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "resolution.Get", trace.WithAttributes(attribute.String("ticket.id", id)))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	return t, nil
}

// List returns tickets matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "resolution.List")
	defer span.End()

	tickets, err := s.store.List(ctx, filter)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	return tickets, nil
}

// Record persists a newly issued ticket. Recording a ticket whose id already
// exists is not an error: the issuer and the relay consumer may both record it.
// A different id for a correlation another ticket owns fails with
// ticket.ErrCorrelationTaken.
func (s *Service) Record(ctx context.Context, t *protocol.Ticket) (created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "resolution.Record", trace.WithAttributes(attribute.String("ticket.id", t.ID)))
	defer span.End()

	if !t.Kind.Valid() {
		return false, fmt.Errorf("resolution: record %q: unknown kind %q", t.ID, t.Kind)
	}
	if t.Status == "" {
		t.Status = protocol.StatusPending
	}
	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ticket.ErrExists) {
			s.logger.Debug("ticket already recorded", "ticket", t.ID)
			return false, nil
		}
		recordErr(span, err)
		return false, fmt.Errorf("resolution: record: %w", err)
	}

	s.logger.Info("ticket recorded", "ticket", t.ID, "kind", t.Kind, "session", t.Correlation.SessionID)
	stored, err := s.store.Get(ctx, t.ID)
	if err != nil {
		stored = t
	}
	s.notify(EventTicketCreated, stored)
	return true, nil
}

// Resolve applies status to the ticket. Resolving to the status the ticket
// already has returns it unchanged; a different terminal status fails with
// ticket.ErrConflict.
func (s *Service) Resolve(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "resolution.Resolve", trace.WithAttributes(
		attribute.String("ticket.id", id),
		attribute.String("ticket.status", string(status)),
	))
	defer span.End()

	if !status.IsTerminal() && status != protocol.StatusRunning {
		return nil, fmt.Errorf("resolution: %q: %w", status, ErrInvalidStatus)
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if !cur.Kind.Accepts(status) {
		return nil, fmt.Errorf("resolution: %s ticket cannot become %q: %w", cur.Kind, status, ErrInvalidStatus)
	}

	t, applied, err := s.store.Transition(ctx, id, status, result)
	if err != nil {
		if errors.Is(err, ticket.ErrConflict) {
			s.conflicts.Add(ctx, 1)
			s.logger.Warn("conflicting resolution rejected",
				"ticket", id,
				"requested", status,
				"current", statusOf(t),
			)
		}
		recordErr(span, err)
		return t, err
	}
	if !applied {
		s.logger.Debug("resolution already applied", "ticket", id, "status", status)
		return t, nil
	}

	s.resolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(t.Kind)),
		attribute.String("status", string(t.Status)),
	))
	s.logger.Info("ticket resolved", "ticket", id, "kind", t.Kind, "status", t.Status)
	s.notify(EventTicketUpdated, t)
	return t, nil
}

// MarkRunning moves a job ticket from pending to running.
func (s *Service) MarkRunning(ctx context.Context, id string) (*protocol.Ticket, error) {
	return s.Resolve(ctx, id, protocol.StatusRunning, nil)
}

// --- helpers ---

func (s *Service) notify(event string, t *protocol.Ticket) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(event, t); err != nil {
		s.logger.Warn("notification failed", "event", event, "ticket", t.ID, "error", err)
	}
}

func statusOf(t *protocol.Ticket) protocol.Status {
	if t == nil {
		return ""
	}
	return t.Status
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
