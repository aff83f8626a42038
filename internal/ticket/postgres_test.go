package ticket

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

var pgColumns = []string{"id", "kind", "status", "description", "session_id", "call_id", "result", "metadata", "created_at", "updated_at"}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now().UnixMilli()

	rows := sqlmock.NewRows(pgColumns).
		AddRow("approval-1", "approval", "pending", "refund $150", "s1", "c1", nil, `{"amount":"150"}`, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + ticketColumns + " FROM tickets WHERE id = $1")).
		WithArgs("approval-1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "approval-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.KindApproval, got.Kind)
	assert.Equal(t, protocol.StatusPending, got.Status)
	assert.Equal(t, "150", got.Metadata["amount"])
	assert.Nil(t, got.Result)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + ticketColumns)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(pgColumns))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
		WithArgs("approval-1", "approval", "pending", "d", "s1", "c1", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tickets WHERE id = $1")).
		WithArgs("approval-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err = store.Create(context.Background(), &protocol.Ticket{
		ID: "approval-1", Kind: protocol.KindApproval, Description: "d",
		Correlation: protocol.Correlation{SessionID: "s1", CallID: "c1"},
	})
	assert.ErrorIs(t, err, ErrExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCorrelationTaken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
		WithArgs("approval-2", "approval", "pending", "d", "s1", "c1", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tickets WHERE id = $1")).
		WithArgs("approval-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM tickets WHERE session_id = $1 AND call_id = $2")).
		WithArgs("s1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("approval-1"))

	err = store.Create(context.Background(), &protocol.Ticket{
		ID: "approval-2", Kind: protocol.KindApproval, Description: "d",
		Correlation: protocol.Correlation{SessionID: "s1", CallID: "c1"},
	})
	assert.ErrorIs(t, err, ErrCorrelationTaken)
	assert.NotErrorIs(t, err, ErrExists)
	assert.Contains(t, err.Error(), "approval-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionGuarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now().UnixMilli()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tickets SET status = $1, result = COALESCE($2, result), updated_at = GREATEST(updated_at, $3)")).
		WithArgs("approved", `"yes"`, sqlmock.AnyArg(), "approval-1", "pending", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + ticketColumns)).
		WithArgs("approval-1").
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow("approval-1", "approval", "approved", "d", "", "", `"yes"`, nil, now, now))

	got, applied, err := store.Transition(context.Background(), "approval-1", protocol.StatusApproved, json.RawMessage(`"yes"`))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, protocol.StatusApproved, got.Status)

	// A second resolver with a different value loses.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tickets")).
		WithArgs("rejected", nil, sqlmock.AnyArg(), "approval-1", "pending", "running").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + ticketColumns)).
		WithArgs("approval-1").
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow("approval-1", "approval", "approved", "d", "", "", `"yes"`, nil, now, now))

	_, applied, err = store.Transition(context.Background(), "approval-1", protocol.StatusRejected, nil)
	assert.False(t, applied)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Rebind(t *testing.T) {
	store := NewPostgresStore(nil)
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", store.rebind("a = ? AND b IN (?, ?)"))
}

// TestPostgresStore_Integration runs against a real database when
// HOLDLINE_TEST_POSTGRES_DSN is set.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("HOLDLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOLDLINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.DB().ExecContext(ctx, "DELETE FROM tickets WHERE id LIKE 'itest-%'")
		s.Close()
	})

	id := "itest-" + time.Now().Format("150405.000000")
	require.NoError(t, s.Create(ctx, &protocol.Ticket{ID: id, Kind: protocol.KindApproval, Description: "itest"}))

	_, applied, err := s.Transition(ctx, id, protocol.StatusApproved, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	_, _, err = s.Transition(ctx, id, protocol.StatusRejected, nil)
	assert.ErrorIs(t, err, ErrConflict)
}
