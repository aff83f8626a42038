package ticket

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on Postgres via lib/pq.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore wraps an open connection. Call Migrate before first use
// against a fresh database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{db: db, d: dialect{name: "postgres", numbered: true, greatest: "GREATEST"}}}
}

// OpenPostgres connects to dsn, verifies the connection and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tickets table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}
