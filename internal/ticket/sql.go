package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tickets (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		description TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		call_id     TEXT NOT NULL DEFAULT '',
		result      TEXT,
		metadata    TEXT,
		created_at  BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_correlation ON tickets(session_id, call_id) WHERE call_id <> '';
	CREATE INDEX IF NOT EXISTS idx_tickets_kind_status ON tickets(kind, status);
	CREATE INDEX IF NOT EXISTS idx_tickets_created ON tickets(created_at);
`

const ticketColumns = "id, kind, status, description, session_id, call_id, result, metadata, created_at, updated_at"

// dialect captures the differences between SQLite and Postgres.
type dialect struct {
	name     string
	numbered bool   // $1-style placeholders
	greatest string // scalar max function
}

// sqlStore implements Store over database/sql. The SQLite and Postgres stores embed it.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Create(ctx context.Context, t *protocol.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket store: create: empty id")
	}
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = protocol.StatusPending
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), t.ID, string(t.Kind), string(t.Status), t.Description, t.Correlation.SessionID, t.Correlation.CallID,
		nullableJSON(t.Result), metadata, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}
	if n == 0 {
		return s.createConflict(ctx, t)
	}
	return nil
}

// createConflict reports why an insert was skipped: the id is taken, or
// another ticket owns the correlation.
func (s *sqlStore) createConflict(ctx context.Context, t *protocol.Ticket) error {
	var count int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM tickets WHERE id = ?`), t.ID).Scan(&count); err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}
	if count > 0 || t.Correlation.CallID == "" {
		return fmt.Errorf("ticket store: create %q: %w", t.ID, ErrExists)
	}

	var owner string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM tickets WHERE session_id = ? AND call_id = ?`),
		t.Correlation.SessionID, t.Correlation.CallID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Removed between the insert and this lookup.
		return fmt.Errorf("ticket store: create %q: %w", t.ID, ErrExists)
	case err != nil:
		return fmt.Errorf("ticket store: create: %w", err)
	}
	return fmt.Errorf("ticket store: create %q: owned by %q: %w", t.ID, owner, ErrCorrelationTaken)
}

func (s *sqlStore) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket store: get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *sqlStore) List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE 1=1"
	var args []any

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	tickets := []*protocol.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *sqlStore) Transition(ctx context.Context, id string, to protocol.Status, result json.RawMessage) (*protocol.Ticket, bool, error) {
	from := protocol.SourceStatuses(to)
	if len(from) > 0 {
		query := fmt.Sprintf(`UPDATE tickets SET status = ?, result = COALESCE(?, result), updated_at = %s(updated_at, ?)
			WHERE id = ? AND status IN (%s)`, s.d.greatest, placeholders(len(from)))
		args := []any{string(to), nullableJSON(result), time.Now().UnixMilli(), id}
		for _, st := range from {
			args = append(args, string(st))
		}

		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return nil, false, fmt.Errorf("ticket store: transition: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("ticket store: transition: %w", err)
		}
		if n == 1 {
			t, err := s.Get(ctx, id)
			return t, err == nil, err
		}
	}

	// The guarded update matched nothing: explain why from the current row.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	apply, err := checkTransition(cur.Status, to)
	if err != nil {
		return cur, false, fmt.Errorf("ticket store: %s -> %s on %q: %w", cur.Status, to, id, err)
	}
	if apply {
		// Status moved between the update and the read; only forward moves
		// are possible, so the caller lost the race.
		return cur, false, fmt.Errorf("ticket store: %q changed concurrently: %w", id, ErrConflict)
	}
	return cur, false, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

// rebind rewrites ? placeholders to $n for dialects that need it.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var kind, status string
	var result, metadata sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&t.ID, &kind, &status, &t.Description, &t.Correlation.SessionID, &t.Correlation.CallID,
		&result, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = protocol.Kind(kind)
	t.Status = protocol.Status(status)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", t.ID, err)
		}
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}
