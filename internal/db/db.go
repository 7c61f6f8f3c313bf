// Package db is the PostgreSQL outbox store. Each mutation and its change
// event are written in one transaction; status updates lock the row so the
// expected-status check and the write cannot interleave with another writer.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"PulseRelay/internal/queue"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ queue.Store        = (*Store)(nil)
	_ queue.ChangeLog    = (*Store)(nil)
	_ queue.ChangePruner = (*Store)(nil)
	_ queue.Leaser       = (*Store)(nil)
)

type Store struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

func New(ctx context.Context, conn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	return NewFromPool(pool, logger), nil
}

func NewFromPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		Pool:   pool,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.Pool.Ping(ctx); err != nil {
		return mapErr("ping", err)
	}
	return nil
}

// Migrate applies the embedded migrations that have not run yet, in file
// name order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pulserelay_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("db: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM pulserelay_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("db: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("db: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO pulserelay_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("db: apply migration %s: %w", name, err)
		}

		s.logger.Info("applied migration", zap.String("file", name))
	}
	return nil
}

// mapErr translates driver errors into the queue error taxonomy.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return queue.ErrNotFound
	case isDuplicateKey(err):
		return queue.ErrDuplicateEntry
	case isUnavailable(err):
		return fmt.Errorf("db: %s: %w: %v", op, queue.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("db: %s: %w", op, err)
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 57P0x: server shutting down, 53: insufficient resources
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "57P0") ||
			strings.HasPrefix(pgErr.Code, "53")
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
