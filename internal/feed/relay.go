package feed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/queue"
)

type Publisher interface {
	Publish(ctx context.Context, payload []byte) (string, error)
}

// Relay publishes the store's change log onto the change stream.
// A crash between publishing and marking republishes the batch, so
// consumers see every change at least once.
type Relay struct {
	log       queue.ChangeLog
	pub       Publisher
	leaser    queue.Leaser
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
}

type RelayOption func(*Relay)

// WithLeaser makes each batch conditional on holding queue.LeaseRelay, so
// replicas sharing a store do not publish the same events.
func WithLeaser(l queue.Leaser) RelayOption {
	return func(r *Relay) { r.leaser = l }
}

func NewRelay(log queue.ChangeLog, pub Publisher, batchSize int, interval time.Duration, logger *zap.Logger, opts ...RelayOption) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	r := &Relay{log: log, pub: pub, batchSize: batchSize, interval: interval, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RelayOnce publishes one batch and returns how many events were relayed.
// It relays nothing while another relay holds the lease.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	if r.leaser != nil {
		release, ok, err := r.leaser.TryLease(ctx, queue.LeaseRelay)
		if err != nil {
			return 0, fmt.Errorf("feed: relay lease: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer release()
	}

	changes, err := r.log.ClaimChanges(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("feed: claim changes: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	done := make([]int64, 0, len(changes))
	var pubErr error
	for _, c := range changes {
		payload, err := c.Marshal()
		if err != nil {
			// an event that cannot be encoded would block the log forever
			r.logger.Error("dropping unencodable change event", zap.Int64("seq", c.Seq), zap.Error(err))
			done = append(done, c.Seq)
			continue
		}
		if _, err := r.pub.Publish(ctx, payload); err != nil {
			pubErr = err
			break
		}
		done = append(done, c.Seq)
	}

	if len(done) > 0 {
		if err := r.log.MarkRelayed(ctx, done); err != nil {
			return 0, fmt.Errorf("feed: mark relayed: %w", err)
		}
	}
	return len(done), pubErr
}

// Run relays until ctx is done. A full batch is followed immediately by the
// next one; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("change relay started", zap.Duration("interval", r.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("change relay stopped")
			return nil
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("change relay failed", zap.Int("relayed", n), zap.Error(err))
		}

		wait := r.interval
		if err == nil && n == r.batchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}
