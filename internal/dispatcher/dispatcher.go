// Package dispatcher reacts to outbox change events and performs the first
// delivery attempt for each pending entry.
//
// The dispatcher does not loop on failures. A failed send moves the entry to
// failed and the resulting change event hands it to the escalation layer.
// Errors writing status are retried under the store policy and otherwise
// returned, leaving the change message unacknowledged for redelivery.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/delivery"
	"PulseRelay/internal/feed"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/retry"
)

// Sender is the delivery capability the dispatcher drives.
type Sender interface {
	Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error)
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// DefaultStorePolicy retries status writes only while the store is unreachable.
var DefaultStorePolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    time.Second,
	Factor:      2,
	Jitter:      true,
	Retryable:   queue.IsUnavailable,
}

type Dispatcher struct {
	store       queue.Store
	sender      Sender
	metrics     metrics.Recorder
	logger      *zap.Logger
	storePolicy retry.Policy
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithStorePolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.storePolicy = p }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(store queue.Store, sender Sender, rec metrics.Recorder, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		sender:      sender,
		metrics:     metrics.Safe(rec, logger),
		logger:      logger,
		storePolicy: DefaultStorePolicy,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes one change-stream message and dispatches it. Undecodable
// messages are logged and counted, and return nil since redelivery cannot
// fix them.
func (d *Dispatcher) Handle(ctx context.Context, msg feed.Message) error {
	evt, err := queue.UnmarshalChangeEvent(msg.Payload)
	if err != nil {
		d.logger.Error("discarding malformed change event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		d.metrics.MalformedMessage("change_feed")
		return nil
	}
	_, err = d.Dispatch(ctx, evt)
	return err
}

// HandleBatch processes events in order. Every event is attempted; the
// returned error joins the failures.
func (d *Dispatcher) HandleBatch(ctx context.Context, events []queue.ChangeEvent) error {
	var errs []error
	for _, evt := range events {
		if _, err := d.Dispatch(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", evt.EntryID, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch performs one delivery attempt for the event's entry if it is
// pending and due. Ineligible events are skipped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt queue.ChangeEvent) (Outcome, error) {
	if !eligible(evt) {
		return OutcomeSkipped, nil
	}
	return d.attempt(ctx, evt.EntryID, false)
}

// attempt loads the entry and sends it if it is pending and due. Deferred
// entries are only sent when scheduled is set.
func (d *Dispatcher) attempt(ctx context.Context, id string, scheduled bool) (Outcome, error) {
	// the store is the source of truth, not the event payload
	entry, err := d.get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			d.logger.Debug("entry gone before dispatch", zap.String("entry_id", id))
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	log := d.logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("channel", string(entry.Channel)),
		zap.String("recipient", delivery.MaskRecipient(entry.Channel, entry.Recipient)),
	)

	if entry.Status != models.StatusPending {
		log.Debug("entry no longer pending", zap.String("status", string(entry.Status)))
		return OutcomeSkipped, nil
	}
	if !entry.Due(d.now()) {
		log.Debug("entry scheduled for later", zap.Time("scheduled_at", *entry.ScheduledAt))
		return OutcomeSkipped, nil
	}
	if entry.Deferred() && !scheduled {
		log.Debug("deferred entry left to the scheduler")
		return OutcomeSkipped, nil
	}

	start := time.Now()
	res, sendErr := d.sender.Send(ctx, entry)
	took := time.Since(start)

	if sendErr == nil {
		if err := d.update(ctx, entry.ID, queue.StatusUpdate{
			From:   models.StatusPending,
			To:     models.StatusSent,
			Result: &res,
		}); err != nil {
			return d.updateFailed(log, err)
		}
		d.metrics.Delivered(string(entry.Channel), took)
		log.Info("entry sent", zap.String("provider_message_id", res.MessageID))
		return OutcomeSent, nil
	}

	category := delivery.Classify(sendErr)
	if err := d.update(ctx, entry.ID, queue.StatusUpdate{
		From:  models.StatusPending,
		To:    models.StatusFailed,
		Error: sendErr.Error(),
	}); err != nil {
		return d.updateFailed(log, err)
	}
	d.metrics.DeliveryFailed(string(entry.Channel), string(category), took)
	log.Warn("entry failed, handing to escalation",
		zap.String("category", string(category)),
		zap.Bool("retryable", category.Retryable()),
		zap.Int("retry_count", entry.RetryCount+1),
	)
	return OutcomeFailed, nil
}

func (d *Dispatcher) updateFailed(log *zap.Logger, err error) (Outcome, error) {
	if errors.Is(err, queue.ErrStatusConflict) {
		log.Info("entry moved by another processor", zap.Error(err))
		return OutcomeSkipped, nil
	}
	log.Error("status update failed", zap.Error(err))
	return OutcomeSkipped, err
}

func (d *Dispatcher) get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return retry.Do(ctx, d.storePolicy, func(ctx context.Context) (*models.QueueEntry, error) {
		return d.store.Get(ctx, id)
	})
}

func (d *Dispatcher) update(ctx context.Context, id string, u queue.StatusUpdate) error {
	return retry.Run(ctx, d.storePolicy, func(ctx context.Context) error {
		_, err := d.store.UpdateStatus(ctx, id, u)
		return err
	})
}

// eligible accepts inserts and updates that put the entry (back) in pending.
func eligible(evt queue.ChangeEvent) bool {
	switch evt.Kind {
	case queue.ChangeInsert:
		return evt.Entry == nil || evt.Entry.Status == models.StatusPending
	case queue.ChangeUpdate:
		return evt.Entry != nil && evt.Entry.Status == models.StatusPending
	}
	return false
}
