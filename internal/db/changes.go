package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

// ClaimChanges returns unrelayed change events in sequence order. It does not
// lock; relays hold the LeaseRelay lease so only one publishes at a time.
func (s *Store) ClaimChanges(ctx context.Context, limit int) ([]queue.ChangeEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT seq, kind, entry_id, entry, created_at
		FROM queue_changes
		WHERE relayed_at IS NULL
		ORDER BY seq
		LIMIT NULLIF($1, 0)`,
		limit,
	)
	if err != nil {
		return nil, mapErr("claim changes", err)
	}
	defer rows.Close()

	out := make([]queue.ChangeEvent, 0)
	for rows.Next() {
		var (
			c    queue.ChangeEvent
			kind string
			raw  []byte
		)
		if err := rows.Scan(&c.Seq, &kind, &c.EntryID, &raw, &c.At); err != nil {
			return nil, mapErr("claim changes", err)
		}
		c.Kind = queue.ChangeKind(kind)
		c.At = c.At.UTC()
		c.Entry = &models.QueueEntry{}
		if err := json.Unmarshal(raw, c.Entry); err != nil {
			return nil, fmt.Errorf("db: decode change %d: %w", c.Seq, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("claim changes", err)
	}
	return out, nil
}

// TryLease takes a session-level advisory lock named after the lease on a
// dedicated pool connection. The lock goes with the connection, so a
// crashed holder frees it.
func (s *Store) TryLease(ctx context.Context, name string) (func(), bool, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, mapErr("lease "+name, err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, mapErr("lease "+name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, name); err != nil {
				// closing drops the session and with it the lock
				s.logger.Warn("advisory unlock failed, closing connection", zap.String("lease", name), zap.Error(err))
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
	return release, true, nil
}

func (s *Store) MarkRelayed(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx,
		`UPDATE queue_changes SET relayed_at = NOW() WHERE seq = ANY($1)`,
		seqs,
	)
	return mapErr("mark relayed", err)
}

func (s *Store) PruneRelayed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM queue_changes WHERE relayed_at IS NOT NULL AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, mapErr("prune relayed", err)
	}
	return tag.RowsAffected(), nil
}
