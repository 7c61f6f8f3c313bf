package queue

import (
	"errors"
	"fmt"

	"PulseRelay/internal/models"
)

var (
	ErrNotFound             = errors.New("queue: entry not found")
	ErrDuplicateEntry       = errors.New("queue: entry already exists")
	ErrStoreUnavailable     = errors.New("queue: store unavailable")
	ErrInvalidTransition    = errors.New("queue: invalid status transition")
	ErrStatusConflict       = errors.New("queue: status changed concurrently")
	ErrRetryBudgetExhausted = errors.New("queue: retry budget exhausted")
)

func invalidTransition(id string, from, to models.Status) error {
	return fmt.Errorf("%w: entry %s %s -> %s", ErrInvalidTransition, id, from, to)
}

func statusConflict(id string, want, got models.Status) error {
	return fmt.Errorf("%w: entry %s expected %s, found %s", ErrStatusConflict, id, want, got)
}

func retryCountConflict(id string, want, got int) error {
	return fmt.Errorf("%w: entry %s expected retry count %d, found %d", ErrStatusConflict, id, want, got)
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
