package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

const entryColumns = `
	id, notification_id, channel, recipient, rendered_content, priority,
	scheduled_at, status, retry_count, max_retries, last_error, last_result,
	metadata, expiry, created_at, updated_at`

func (s *Store) Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	e := entry.Clone()

	content, err := json.Marshal(e.Content)
	if err != nil {
		return nil, fmt.Errorf("db: encode content: %w", err)
	}
	result, err := jsonOrNil(e.LastResult)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonOrNil(e.Metadata)
	if err != nil {
		return nil, err
	}

	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO queue_entries (`+entryColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			e.ID,
			e.NotificationID,
			string(e.Channel),
			e.Recipient,
			content,
			string(e.Priority),
			e.ScheduledAt,
			string(e.Status),
			e.RetryCount,
			e.MaxRetries,
			e.LastError,
			result,
			metadata,
			nullTime(e.ExpiresAt),
			e.CreatedAt,
			e.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return insertChange(ctx, tx, queue.ChangeInsert, e)
	})
	if err != nil {
		return nil, mapErr("enqueue", err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, mapErr("get", err)
	}
	return e, nil
}

// UpdateStatus locks the row, applies the lifecycle rules and records the
// change in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, id string, u queue.StatusUpdate) (*models.QueueEntry, error) {
	var updated *models.QueueEntry

	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`, id)
		e, err := scanEntry(row)
		if err != nil {
			return err
		}
		if err := queue.ApplyUpdate(e, u, s.now()); err != nil {
			return err
		}

		result, err := jsonOrNil(e.LastResult)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $2,
			    retry_count = $3,
			    last_error = $4,
			    last_result = $5,
			    updated_at = $6
			WHERE id = $1`,
			e.ID,
			string(e.Status),
			e.RetryCount,
			e.LastError,
			result,
			e.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if err := insertChange(ctx, tx, queue.ChangeUpdate, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, passLifecycle(err, "update status")
	}
	return updated, nil
}

func (s *Store) QueryByStatus(ctx context.Context, status models.Status, limit int) ([]*models.QueueEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT NULLIF($2, 0)`,
		string(status), limit,
	)
	if err != nil {
		return nil, mapErr("query by status", err)
	}
	return collectEntries(rows)
}

func (s *Store) QueryByNotificationID(ctx context.Context, notificationID string) ([]*models.QueueEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE notification_id = $1
		ORDER BY created_at, id`,
		notificationID,
	)
	if err != nil {
		return nil, mapErr("query by notification", err)
	}
	return collectEntries(rows)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `DELETE FROM queue_entries WHERE id = $1 RETURNING `+entryColumns, id)
		e, err := scanEntry(row)
		if err != nil {
			return err
		}
		return insertChange(ctx, tx, queue.ChangeDelete, e)
	})
	return mapErr("delete", err)
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, mapErr("count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, mapErr("count by status", err)
		}
		counts[models.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("count by status", err)
	}
	return counts, nil
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.QueueEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'pending'
		  AND retry_count = 0
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at > created_at
		  AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT NULLIF($2, 0)`,
		now, limit,
	)
	if err != nil {
		return nil, mapErr("list due scheduled", err)
	}
	return collectEntries(rows)
}

// deleteLogged removes matching entries and logs a delete change for each,
// in a single statement. to_jsonb of a queue_entries row has the same shape
// as the JSON encoding of models.QueueEntry.
func (s *Store) deleteLogged(ctx context.Context, op, where string, arg any) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM queue_entries WHERE `+where+` RETURNING *
		), logged AS (
			INSERT INTO queue_changes (kind, entry_id, entry)
			SELECT 'delete', g.id, to_jsonb(g) FROM gone g
			RETURNING 1
		)
		SELECT COUNT(*) FROM logged`,
		arg,
	).Scan(&n)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return n, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteLogged(ctx, "delete expired", `expiry IS NOT NULL AND expiry <= $1`, now)
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteLogged(ctx, "purge terminal",
		`status IN ('sent', 'permanently_failed') AND updated_at < $1`, before)
}

func scanEntry(row pgx.Row) (*models.QueueEntry, error) {
	var (
		e                         models.QueueEntry
		channel, priority, status string
		content, result, metadata []byte
		expiry                    *time.Time
	)
	err := row.Scan(
		&e.ID,
		&e.NotificationID,
		&channel,
		&e.Recipient,
		&content,
		&priority,
		&e.ScheduledAt,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.LastError,
		&result,
		&metadata,
		&expiry,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Channel = models.Channel(channel)
	e.Priority = models.Priority(priority)
	e.Status = models.Status(status)
	if expiry != nil {
		e.ExpiresAt = expiry.UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.ScheduledAt != nil {
		t := e.ScheduledAt.UTC()
		e.ScheduledAt = &t
	}

	if err := json.Unmarshal(content, &e.Content); err != nil {
		return nil, fmt.Errorf("db: decode content of %s: %w", e.ID, err)
	}
	if len(result) > 0 {
		e.LastResult = &models.DeliveryResult{}
		if err := json.Unmarshal(result, e.LastResult); err != nil {
			return nil, fmt.Errorf("db: decode result of %s: %w", e.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("db: decode metadata of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*models.QueueEntry, error) {
	defer rows.Close()

	out := make([]*models.QueueEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapErr("scan entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("scan entries", err)
	}
	return out, nil
}

func insertChange(ctx context.Context, tx pgx.Tx, kind queue.ChangeKind, e *models.QueueEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("db: encode change: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO queue_changes (kind, entry_id, entry) VALUES ($1, $2, $3)`,
		string(kind), e.ID, payload,
	)
	return err
}

// passLifecycle keeps lifecycle errors from ApplyUpdate intact and maps
// everything else.
func passLifecycle(err error, op string) error {
	switch {
	case errors.Is(err, queue.ErrStatusConflict),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrRetryBudgetExhausted):
		return err
	}
	return mapErr(op, err)
}

func jsonOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case *models.DeliveryResult:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("db: encode json: %w", err)
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
