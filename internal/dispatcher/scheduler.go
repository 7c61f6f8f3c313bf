package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/queue"
)

// Scheduler sends deferred entries once their time arrives. No change event
// fires at that moment, and the dispatcher leaves deferred entries alone, so
// the scan is their only sender.
type Scheduler struct {
	store    queue.Store
	d        *Dispatcher
	leaser   queue.Leaser
	interval time.Duration
	limit    int
	logger   *zap.Logger
}

type SchedulerOption func(*Scheduler)

// WithSchedulerLeaser makes each scan conditional on holding
// queue.LeaseScheduler.
func WithSchedulerLeaser(l queue.Leaser) SchedulerOption {
	return func(s *Scheduler) { s.leaser = l }
}

func NewScheduler(store queue.Store, d *Dispatcher, interval time.Duration, limit int, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	s := &Scheduler{store: store, d: d, interval: interval, limit: limit, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanOnce dispatches due deferred entries and returns how many were sent
// or failed.
func (s *Scheduler) ScanOnce(ctx context.Context) (int, error) {
	if s.leaser != nil {
		release, ok, err := s.leaser.TryLease(ctx, queue.LeaseScheduler)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer release()
	}

	due, err := s.store.ListDueScheduled(ctx, s.d.now(), s.limit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, e := range due {
		out, err := s.d.attempt(ctx, e.ID, true)
		if err != nil {
			return handled, err
		}
		if out != OutcomeSkipped {
			handled++
		}
	}
	return handled, nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			n, err := s.ScanOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled scan failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("dispatched scheduled entries", zap.Int("count", n))
			}
		}
	}
}
