// Package outbox is the write path: it validates notification requests,
// stores them as pending queue entries and manages manual requeue and
// cleanup. A request is reported as queued only after the store committed
// the entry together with its change event.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseRelay/internal/delivery"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

// MaxRetriesLimit caps the per-entry retry budget a caller may ask for.
const MaxRetriesLimit = 10

const StatusQueued = "queued"

// Renderer produces content from a named template before enqueue.
type Renderer interface {
	Render(name string, vars map[string]any) (models.RenderedContent, error)
}

type Request struct {
	NotificationID string                 `json:"notification_id,omitempty"`
	Channel        models.Channel         `json:"channel"`
	Recipient      string                 `json:"recipient"`
	Content        models.RenderedContent `json:"rendered_content"`
	Priority       models.Priority        `json:"priority,omitempty"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	MaxRetries     int                    `json:"max_retries,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
}

// TemplateRequest is a Request whose content comes from a template.
type TemplateRequest struct {
	NotificationID string            `json:"notification_id,omitempty"`
	Channel        models.Channel    `json:"channel"`
	Recipient      string            `json:"recipient"`
	Template       string            `json:"template"`
	Variables      map[string]any    `json:"variables,omitempty"`
	Priority       models.Priority   `json:"priority,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Receipt struct {
	ID             string `json:"id"`
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
}

type Service struct {
	store    queue.Store
	renderer Renderer
	metrics  metrics.Recorder
	logger   *zap.Logger
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Service)

// WithExpiry sets how long entries are kept before the expiry sweep may
// remove them.
func WithExpiry(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store queue.Store, renderer Renderer, rec metrics.Recorder, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		renderer: renderer,
		metrics:  metrics.Safe(rec, logger),
		logger:   logger,
		ttl:      models.DefaultExpiry,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates req and stores it as a pending entry.
func (s *Service) Enqueue(ctx context.Context, req Request) (Receipt, error) {
	entry, err := s.build(req)
	if err != nil {
		return Receipt{}, err
	}

	stored, err := s.store.Enqueue(ctx, entry)
	if err != nil {
		return Receipt{}, fmt.Errorf("outbox: enqueue: %w", err)
	}

	s.metrics.Enqueued(string(stored.Channel))
	s.logger.Info("notification queued",
		zap.String("entry_id", stored.ID),
		zap.String("notification_id", stored.NotificationID),
		zap.String("channel", string(stored.Channel)),
		zap.String("recipient", delivery.MaskRecipient(stored.Channel, stored.Recipient)),
	)
	return Receipt{ID: stored.ID, NotificationID: stored.NotificationID, Status: StatusQueued}, nil
}

// EnqueueTemplate renders the template and enqueues the result. Render
// errors are returned before anything is stored.
func (s *Service) EnqueueTemplate(ctx context.Context, req TemplateRequest) (Receipt, error) {
	if s.renderer == nil {
		return Receipt{}, &models.ValidationError{Field: "template", Reason: "templates are not configured"}
	}
	if !req.Channel.Valid() {
		return Receipt{}, &models.ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q", req.Channel)}
	}
	if strings.TrimSpace(req.Template) == "" {
		return Receipt{}, &models.ValidationError{Field: "template", Reason: "required"}
	}

	content, err := s.renderer.Render(req.Template, req.Variables)
	if err != nil {
		return Receipt{}, err
	}

	return s.Enqueue(ctx, Request{
		NotificationID: req.NotificationID,
		Channel:        req.Channel,
		Recipient:      req.Recipient,
		Content:        content,
		Priority:       req.Priority,
		ScheduledAt:    req.ScheduledAt,
		MaxRetries:     req.MaxRetries,
		Metadata:       req.Metadata,
	})
}

// Requeue moves a failed entry back to pending, keeping its retry count.
// It is refused once the retry budget is spent.
func (s *Service) Requeue(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: entry %s is %s, only failed entries can be requeued",
			queue.ErrInvalidTransition, id, entry.Status)
	}
	if entry.BudgetExhausted() {
		return nil, fmt.Errorf("%w: entry %s used %d of %d retries",
			queue.ErrRetryBudgetExhausted, id, entry.RetryCount, entry.MaxRetries)
	}

	updated, err := s.store.UpdateStatus(ctx, id, queue.StatusUpdate{
		From: models.StatusFailed,
		To:   models.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("entry requeued", zap.String("entry_id", id), zap.Int("retry_count", updated.RetryCount))
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("entry deleted", zap.String("entry_id", id))
	return nil
}

func (s *Service) build(req Request) (*models.QueueEntry, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)

	if !req.Channel.Valid() {
		return nil, &models.ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q", req.Channel)}
	}
	if err := models.ValidateRecipient(req.Channel, req.Recipient); err != nil {
		return nil, err
	}
	if err := models.ValidateContent(req.Channel, req.Content); err != nil {
		return nil, err
	}

	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}

	switch {
	case req.MaxRetries < 0 || req.MaxRetries > MaxRetriesLimit:
		return nil, &models.ValidationError{Field: "max_retries", Reason: fmt.Sprintf("must be between 0 and %d", MaxRetriesLimit)}
	case req.MaxRetries == 0:
		req.MaxRetries = models.DefaultMaxRetries
	}

	now := s.now()
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		if !at.Before(now.Add(s.ttl)) {
			return nil, &models.ValidationError{Field: "scheduled_at", Reason: "falls after the entry would expire"}
		}
		req.ScheduledAt = &at
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("outbox: generate id: %w", err)
	}
	notificationID := strings.TrimSpace(req.NotificationID)
	if notificationID == "" {
		notificationID = newNotificationID()
	}

	return &models.QueueEntry{
		ID:             id.String(),
		NotificationID: notificationID,
		Channel:        req.Channel,
		Recipient:      req.Recipient,
		Content:        req.Content,
		Priority:       req.Priority,
		ScheduledAt:    req.ScheduledAt,
		Status:         models.StatusPending,
		RetryCount:     0,
		MaxRetries:     req.MaxRetries,
		Metadata:       req.Metadata,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func newNotificationID() string {
	return uuid.NewString()
}
