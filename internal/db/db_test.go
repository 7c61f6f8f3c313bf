package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"PulseRelay/internal/queue"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr("op", nil))
	assert.ErrorIs(t, mapErr("get", pgx.ErrNoRows), queue.ErrNotFound)
	assert.ErrorIs(t, mapErr("get", fmt.Errorf("scan: %w", pgx.ErrNoRows)), queue.ErrNotFound)
	assert.ErrorIs(t, mapErr("enqueue", &pgconn.PgError{Code: "23505"}), queue.ErrDuplicateEntry)

	for _, code := range []string{"08006", "08001", "57P01", "53300"} {
		err := mapErr("update", &pgconn.PgError{Code: code})
		assert.True(t, queue.IsUnavailable(err), code)
	}

	err := mapErr("update", &pgconn.PgError{Code: "23514"})
	assert.False(t, queue.IsUnavailable(err))
	assert.ErrorContains(t, err, "db: update")

	assert.False(t, queue.IsUnavailable(mapErr("x", errors.New("syntax"))))
}

func TestPassLifecycle(t *testing.T) {
	conflict := fmt.Errorf("%w: entry e1", queue.ErrStatusConflict)
	assert.Same(t, conflict, passLifecycle(conflict, "update status"))
	assert.ErrorIs(t, passLifecycle(pgx.ErrNoRows, "update status"), queue.ErrNotFound)

	spent := fmt.Errorf("%w: entry e1 at 3/3", queue.ErrRetryBudgetExhausted)
	assert.Same(t, spent, passLifecycle(spent, "update status"))
}

func TestMigrationsAreEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_outbox.sql")
	assert.NoError(t, err)
	assert.Contains(t, string(data), "queue_changes")
}
