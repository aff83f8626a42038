package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
)

// ErrListenerReset is returned by a Postgres subscription when the listener
// connection was re-established and notifications may have been missed.
var ErrListenerReset = errors.New("relay: postgres listener connection reset")

// maxNotifyPayload is the largest payload NOTIFY accepts by default.
const maxNotifyPayload = 8000

// PostgresTransport publishes with pg_notify and subscribes with LISTEN.
// Payloads must be text, so only the JSON codec can be used with it.
type PostgresTransport struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
	ownsDB bool
}

// NewPostgresTransport uses db for NOTIFY and opens a dedicated listener
// connection to dsn for each subscription.
func NewPostgresTransport(db *sql.DB, dsn string, logger *slog.Logger) *PostgresTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTransport{db: db, dsn: dsn, logger: logger}
}

func (p *PostgresTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if len(data) > maxNotifyPayload {
		return fmt.Errorf("postgres notify: payload of %d bytes exceeds %d", len(data), maxNotifyPayload)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("postgres notify: payload is not text")
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(data)); err != nil {
		return fmt.Errorf("postgres notify: %w", err)
	}
	return nil
}

func (p *PostgresTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := p.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres listen: %w", err)
	}

	l := pq.NewListener(p.dsn, 100*time.Millisecond, time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("postgres listener event", "event", ev, "error", err)
		}
	})
	for _, ch := range channels {
		if err := l.Listen(ch); err != nil {
			l.Close()
			return nil, fmt.Errorf("postgres listen %s: %w", ch, err)
		}
	}
	return &postgresSubscription{l: l}, nil
}

// Close releases the connection pool when the transport opened it itself.
func (p *PostgresTransport) Close() error {
	if p.ownsDB {
		return p.db.Close()
	}
	return nil
}

type postgresSubscription struct {
	l *pq.Listener
}

func (s *postgresSubscription) Receive(ctx context.Context) (Message, error) {
	select {
	case n, ok := <-s.l.Notify:
		if !ok {
			return Message{}, ErrClosed
		}
		// pq sends nil after it reconnects.
		if n == nil {
			return Message{}, ErrListenerReset
		}
		return Message{Channel: n.Channel, Payload: []byte(n.Extra)}, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *postgresSubscription) Close() error {
	return s.l.Close()
}
