// Package escalation gives failed entries a bounded number of extra delivery
// attempts and marks entries whose retry budget is spent as permanently
// failed.
//
// Two retry domains meet here. Inside Handle, the retry engine makes a small
// number of in-process attempts. Across rounds, each recorded failure emits a
// change event that brings the entry back, and the stream's own redelivery
// covers messages that were never acknowledged. The retry budget on the
// entry bounds both.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/delivery"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/retry"
)

type Sender interface {
	Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error)
}

type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomePermanentlyFailed Outcome = "permanently_failed"
	OutcomeTransientFailure  Outcome = "transient_failure"
	OutcomeSkipped           Outcome = "skipped"
)

// DefaultPolicy is the in-process escalation retry: two attempts, 2s base,
// 10s cap, doubling, jittered.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 2,
	BaseDelay:   2 * time.Second,
	MaxDelay:    10 * time.Second,
	Factor:      2,
	Jitter:      true,
	Retryable:   delivery.IsRetryable,
}

var defaultStorePolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    time.Second,
	Factor:      2,
	Jitter:      true,
	Retryable:   queue.IsUnavailable,
}

type Processor struct {
	store       queue.Store
	sender      Sender
	metrics     metrics.Recorder
	logger      *zap.Logger
	policy      retry.Policy
	storePolicy retry.Policy
}

type Option func(*Processor)

// WithPolicy replaces the in-process delivery retry policy. The classifier
// defaults to delivery.IsRetryable when unset.
func WithPolicy(p retry.Policy) Option {
	return func(pr *Processor) {
		if p.Retryable == nil {
			p.Retryable = delivery.IsRetryable
		}
		pr.policy = p
	}
}

func WithStorePolicy(p retry.Policy) Option {
	return func(pr *Processor) { pr.storePolicy = p }
}

func NewProcessor(store queue.Store, sender Sender, rec metrics.Recorder, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		sender:      sender,
		metrics:     metrics.Safe(rec, logger),
		logger:      logger,
		policy:      DefaultPolicy,
		storePolicy: defaultStorePolicy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one normalised envelope. On a transient failure the new
// error is recorded on the entry and also returned.
func (p *Processor) Handle(ctx context.Context, env Envelope) (Outcome, error) {
	// change records for any other state belong to the dispatcher
	if env.Snapshot && env.Entry.Status != models.StatusFailed {
		return OutcomeSkipped, nil
	}

	entry, err := retry.Do(ctx, p.storePolicy, func(ctx context.Context) (*models.QueueEntry, error) {
		return p.store.Get(ctx, env.EntryID)
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("escalation: load entry %s: %w", env.EntryID, err)
	}

	log := p.logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("channel", string(entry.Channel)),
		zap.String("recipient", delivery.MaskRecipient(entry.Channel, entry.Recipient)),
		zap.Int("retry_count", entry.RetryCount),
		zap.Int("max_retries", entry.MaxRetries),
	)

	if entry.Status != models.StatusFailed {
		log.Debug("entry not failed, nothing to escalate", zap.String("status", string(entry.Status)))
		return OutcomeSkipped, nil
	}
	if env.Snapshot && env.Entry.RetryCount != entry.RetryCount {
		log.Debug("stale failure record", zap.Int("record_retry_count", env.Entry.RetryCount))
		return OutcomeSkipped, nil
	}

	// ----------------------------
	// Budget exhausted
	// ----------------------------
	if entry.BudgetExhausted() {
		if err := p.update(ctx, entry.ID, queue.StatusUpdate{
			From:       models.StatusFailed,
			RetryCount: queue.ExpectRetries(entry.RetryCount),
			To:         models.StatusPermanentlyFailed,
		}); err != nil {
			return p.updateFailed(log, err, nil)
		}
		p.metrics.PermanentlyFailed(string(entry.Channel))
		log.Warn("entry permanently failed", zap.String("last_error", entry.LastError))
		return OutcomePermanentlyFailed, nil
	}

	// ----------------------------
	// Bounded retry
	// ----------------------------
	start := time.Now()
	res, sendErr := retry.Do(ctx, p.policy, func(ctx context.Context) (models.DeliveryResult, error) {
		return p.sender.Send(ctx, entry)
	})
	took := time.Since(start)

	if sendErr == nil {
		// a delivered message wins over a failure recorded meanwhile
		if err := p.update(ctx, entry.ID, queue.StatusUpdate{
			From:   models.StatusFailed,
			To:     models.StatusSent,
			Result: &res,
		}); err != nil {
			return p.updateFailed(log, err, nil)
		}
		p.metrics.Delivered(string(entry.Channel), took)
		log.Info("escalated entry sent", zap.String("provider_message_id", res.MessageID))
		return OutcomeSuccess, nil
	}

	category := delivery.Classify(sendErr)
	if err := p.update(ctx, entry.ID, queue.StatusUpdate{
		From:       models.StatusFailed,
		RetryCount: queue.ExpectRetries(entry.RetryCount),
		To:         models.StatusFailed,
		Error:      sendErr.Error(),
	}); err != nil {
		return p.updateFailed(log, err, sendErr)
	}
	p.metrics.DeliveryFailed(string(entry.Channel), string(category), took)
	log.Warn("escalation attempt failed",
		zap.String("category", string(category)),
		zap.Bool("retryable", category.Retryable()),
		zap.Error(sendErr),
	)
	return OutcomeTransientFailure, fmt.Errorf("escalation: entry %s: %w", entry.ID, sendErr)
}

func (p *Processor) updateFailed(log *zap.Logger, err, sendErr error) (Outcome, error) {
	if errors.Is(err, queue.ErrStatusConflict) || errors.Is(err, queue.ErrRetryBudgetExhausted) {
		log.Info("entry moved by another processor", zap.Error(err))
		return OutcomeSkipped, nil
	}
	log.Error("status update failed", zap.Error(err))
	return OutcomeSkipped, errors.Join(err, sendErr)
}

func (p *Processor) update(ctx context.Context, id string, u queue.StatusUpdate) error {
	return retry.Run(ctx, p.storePolicy, func(ctx context.Context) error {
		_, err := p.store.UpdateStatus(ctx, id, u)
		return err
	})
}
