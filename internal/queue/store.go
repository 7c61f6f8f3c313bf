// Package queue defines the durable outbox contract shared by the dispatcher,
// the escalation processor and the write path, plus an in-memory implementation.
//
// Every mutation appends a ChangeEvent to the store's change log in the same
// unit of work, so a committed entry always has a matching event to relay.
package queue

import (
	"context"
	"fmt"
	"time"

	"PulseRelay/internal/models"
)

// StatusUpdate describes a conditional status write.
//
// From, when set, is compared against the stored status and the write fails
// with ErrStatusConflict if it no longer matches. RetryCount is the same kind
// of guard for the stored retry count. RetryCount on the entry is incremented
// only when Error is non-empty.
type StatusUpdate struct {
	From       models.Status
	RetryCount *int
	To         models.Status
	Error      string
	Result     *models.DeliveryResult
}

// ExpectRetries returns a pointer for StatusUpdate.RetryCount.
func ExpectRetries(n int) *int { return &n }

// Store is the outbox record store.
type Store interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error)
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*models.QueueEntry, error)
	QueryByStatus(ctx context.Context, status models.Status, limit int) ([]*models.QueueEntry, error)
	QueryByNotificationID(ctx context.Context, notificationID string) ([]*models.QueueEntry, error)
	Delete(ctx context.Context, id string) error

	// CountByStatus returns the number of entries in each lifecycle state.
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	// ListDueScheduled returns deferred entries (see models.QueueEntry.Deferred)
	// that are still pending and whose scheduled time is at or before now.
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.QueueEntry, error)

	// DeleteExpired removes entries whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// PurgeTerminal removes sent and permanently failed entries last
	// updated before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// ChangeLog exposes the store's change events to the relay.
type ChangeLog interface {
	// ClaimChanges returns up to limit unrelayed events in sequence order.
	ClaimChanges(ctx context.Context, limit int) ([]ChangeEvent, error)
	// MarkRelayed flags events as published.
	MarkRelayed(ctx context.Context, seqs []int64) error
}

// Lease names shared by every process running against one store.
const (
	LeaseRelay     = "pulserelay:relay"
	LeaseScheduler = "pulserelay:scheduler"
)

// Leaser grants a named lease to at most one holder at a time. ok is false
// when someone else holds it. release must be called once the work is done.
type Leaser interface {
	TryLease(ctx context.Context, name string) (release func(), ok bool, err error)
}

// ChangePruner is implemented by stores that can drop relayed change events.
type ChangePruner interface {
	PruneRelayed(ctx context.Context, before time.Time) (int64, error)
}

// ApplyUpdate validates u against the current entry state and applies it.
// Stores share it so both enforce the same lifecycle rules.
func ApplyUpdate(e *models.QueueEntry, u StatusUpdate, now time.Time) error {
	if u.From != "" && e.Status != u.From {
		return statusConflict(e.ID, u.From, e.Status)
	}
	if u.RetryCount != nil && e.RetryCount != *u.RetryCount {
		return retryCountConflict(e.ID, *u.RetryCount, e.RetryCount)
	}
	if !e.Status.CanTransitionTo(u.To) {
		return invalidTransition(e.ID, e.Status, u.To)
	}
	// a failed entry with a spent budget only moves to permanently_failed
	if u.Error != "" && e.Status == models.StatusFailed && e.BudgetExhausted() {
		return fmt.Errorf("%w: entry %s at %d/%d", ErrRetryBudgetExhausted, e.ID, e.RetryCount, e.MaxRetries)
	}

	e.Status = u.To
	if u.Error != "" {
		e.LastError = SanitizeError(u.Error)
		e.RetryCount++
	}
	if u.Result != nil {
		r := *u.Result
		e.LastResult = &r
	}
	if now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}
	return nil
}
