// Package status is the read side of the outbox. Lookups by status or
// notification are eventually consistent with writes.
package status

import (
	"context"
	"fmt"

	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Stats holds entry counts per lifecycle state.
type Stats struct {
	Pending           int64 `json:"pending"`
	Sent              int64 `json:"sent"`
	Failed            int64 `json:"failed"`
	PermanentlyFailed int64 `json:"permanently_failed"`
	Total             int64 `json:"total"`
}

type Service struct {
	store queue.Store
}

func NewService(store queue.Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return s.store.Get(ctx, id)
}

// ListByStatus returns at most limit entries in status, clamping limit to
// [1, MaxListLimit] with DefaultListLimit for non-positive values.
func (s *Service) ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.QueueEntry, error) {
	if !st.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.store.QueryByStatus(ctx, st, limit)
}

func (s *Service) ListByNotification(ctx context.Context, notificationID string) ([]*models.QueueEntry, error) {
	if notificationID == "" {
		return nil, &models.ValidationError{Field: "notification_id", Reason: "required"}
	}
	return s.store.QueryByNotificationID(ctx, notificationID)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Pending:           counts[models.StatusPending],
		Sent:              counts[models.StatusSent],
		Failed:            counts[models.StatusFailed],
		PermanentlyFailed: counts[models.StatusPermanentlyFailed],
	}
	st.Total = st.Pending + st.Sent + st.Failed + st.PermanentlyFailed
	return st, nil
}
