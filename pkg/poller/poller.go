// Package poller waits for a ticket to resolve by polling the Resolution API
// with a bounded number of attempts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/clock"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// MaxAttemptsLimit is the largest accepted Policy.MaxAttempts.
const MaxAttemptsLimit = 15

// ErrTicketNotFound is returned when the polled ticket does not exist.
var ErrTicketNotFound = errors.New("poller: ticket not found")

// Getter reads a ticket. *client.Client and *resolution.Service implement it.
type Getter interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
}

// Policy bounds a poll.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	Interval    time.Duration `json:"interval"`
}

// DefaultPolicy polls every 2s for up to 30s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: MaxAttemptsLimit, Interval: 2 * time.Second}
}

// Validate checks the attempt range and interval.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("poller: max attempts %d outside [1,%d]", p.MaxAttempts, MaxAttemptsLimit)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("poller: interval must be positive, got %s", p.Interval)
	}
	return nil
}

// Budget is the total clock time a poll under p may take.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// Outcome is the result of a poll.
type Outcome struct {
	TicketID string          `json:"ticket_id"`
	Status   protocol.Status `json:"status"`
	// Resolved is false when the attempts ran out before a terminal status.
	Resolved bool `json:"resolved"`
	Attempts int  `json:"attempts"`
	// Ticket is the last ticket observed, if any.
	Ticket *protocol.Ticket `json:"-"`
}

// Class is the classification of a single poll attempt.
type Class int

const (
	ClassUnknown Class = iota
	ClassResolved
	ClassPending
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassResolved:
		return "resolved"
	case ClassPending:
		return "pending"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps one Get result to a Class.
func Classify(t *protocol.Ticket, err error) Class {
	switch {
	case err == nil && t != nil && t.Status.IsTerminal():
		return ClassResolved
	case err == nil && t != nil:
		return ClassPending
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, ErrTicketNotFound):
		return ClassFatal
	case isTransient(err):
		return ClassTransient
	}
	return ClassUnknown
}

func isTransient(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Poller polls tickets until they resolve.
type Poller struct {
	getter Getter
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock sets the clock used for sleeps and the deadline.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// New creates a Poller with the given default policy. An invalid policy is
// replaced by DefaultPolicy.
func New(g Getter, policy Policy, opts ...Option) *Poller {
	if policy.Validate() != nil {
		policy = DefaultPolicy()
	}
	p := &Poller{
		getter: g,
		policy: policy,
		clock:  clock.Real(),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/h1v3-io/holdline/pkg/poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the default policy.
func (p *Poller) Policy() Policy { return p.policy }

// Poll polls id with the default policy.
func (p *Poller) Poll(ctx context.Context, id string) (Outcome, error) {
	return p.PollWith(ctx, id, p.policy)
}

// PollWith polls id under policy. Running out of attempts is not an error:
// the outcome has Resolved=false and the last non-terminal status seen.
// Only a missing ticket, an invalid policy or ctx cancellation fail.
func (p *Poller) PollWith(ctx context.Context, id string, policy Policy) (Outcome, error) {
	if err := policy.Validate(); err != nil {
		return Outcome{}, err
	}
	ctx, span := p.tracer.Start(ctx, "poller.Poll", trace.WithAttributes(
		attribute.String("ticket.id", id),
		attribute.Int("poll.max_attempts", policy.MaxAttempts),
	))
	defer span.End()

	out := Outcome{TicketID: id, Status: protocol.StatusPending}
	deadline := p.clock.Now().Add(policy.Budget())

	for out.Attempts < policy.MaxAttempts {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			break
		}
		out.Attempts++

		actx, cancel := context.WithTimeout(ctx, remaining)
		t, err := p.getter.Get(actx, id)
		cancel()
		if err != nil && ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return out, ctx.Err()
		}

		switch Classify(t, err) {
		case ClassResolved:
			out.Status = t.Status
			out.Resolved = true
			out.Ticket = t
			span.SetAttributes(attribute.String("ticket.status", string(t.Status)), attribute.Int("poll.attempts", out.Attempts))
			return out, nil
		case ClassPending:
			out.Status = t.Status
			out.Ticket = t
		case ClassTransient:
			p.logger.Debug("poll attempt failed, retrying", "ticket", id, "attempt", out.Attempts, "error", err)
		case ClassFatal:
			span.SetStatus(codes.Error, "not found")
			return out, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
		default:
			p.logger.Warn("poll attempt failed", "ticket", id, "attempt", out.Attempts, "error", err)
		}

		wait := policy.Interval
		if left := deadline.Sub(p.clock.Now()); left < wait {
			wait = left
		}
		if wait <= 0 {
			break
		}
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}

	p.logger.Info("poll exhausted without resolution", "ticket", id, "attempts", out.Attempts, "status", out.Status)
	span.SetAttributes(attribute.Bool("poll.exhausted", true), attribute.Int("poll.attempts", out.Attempts))
	return out, nil
}
