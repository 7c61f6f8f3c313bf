// Package sweeper garbage-collects the outbox: entries past their expiry are
// removed regardless of status, and terminal entries are removed once they
// are older than the retention window. Relayed change events and fully
// acknowledged stream entries are collected on their own schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/queue"
)

// DefaultChangeRetention is how long relayed change events are kept.
const DefaultChangeRetention = 24 * time.Hour

type Report struct {
	Expired int64
	Purged  int64
	Changes int64
	Trimmed int64
}

// StreamTrimmer drops stream entries every consumer has acknowledged.
type StreamTrimmer interface {
	Name() string
	TrimAcked(ctx context.Context) (int64, error)
}

type Sweeper struct {
	store           queue.Store
	retention       time.Duration
	changeRetention time.Duration
	trimmers        []StreamTrimmer
	interval        time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

type Option func(*Sweeper)

// WithChangeRetention sets how long relayed change events are kept. Zero
// keeps them forever.
func WithChangeRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.changeRetention = d }
}

func WithTrimmers(t ...StreamTrimmer) Option {
	return func(s *Sweeper) { s.trimmers = append(s.trimmers, t...) }
}

// New returns a sweeper. A zero retention disables the terminal purge.
func New(store queue.Store, retention, interval time.Duration, logger *zap.Logger, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s := &Sweeper{
		store:           store,
		retention:       retention,
		changeRetention: DefaultChangeRetention,
		interval:        interval,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var r Report
	var err error

	if r.Expired, err = s.store.DeleteExpired(ctx, now); err != nil {
		return r, fmt.Errorf("sweeper: delete expired: %w", err)
	}
	if s.retention > 0 {
		if r.Purged, err = s.store.PurgeTerminal(ctx, now.Add(-s.retention)); err != nil {
			return r, fmt.Errorf("sweeper: purge terminal: %w", err)
		}
	}
	if p, ok := s.store.(queue.ChangePruner); ok && s.changeRetention > 0 {
		if r.Changes, err = p.PruneRelayed(ctx, now.Add(-s.changeRetention)); err != nil {
			return r, fmt.Errorf("sweeper: prune changes: %w", err)
		}
	}
	for _, t := range s.trimmers {
		n, err := t.TrimAcked(ctx)
		if err != nil {
			return r, fmt.Errorf("sweeper: trim %s: %w", t.Name(), err)
		}
		r.Trimmed += n
	}
	return r, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
		zap.Duration("change_retention", s.changeRetention),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			r, err := s.RunOnce(ctx, s.now())
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("sweep failed", zap.Error(err))
				}
				continue
			}
			if r != (Report{}) {
				s.logger.Info("sweep removed entries",
					zap.Int64("expired", r.Expired),
					zap.Int64("purged", r.Purged),
					zap.Int64("changes", r.Changes),
					zap.Int64("stream_entries", r.Trimmed),
				)
			}
		}
	}
}
